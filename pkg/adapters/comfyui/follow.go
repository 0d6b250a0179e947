package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"

	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

var errPending = errors.New("comfyui: job still pending")

// Follow waits for the queued prompt and downloads its first image. History
// is the source of truth; websocket events only cut the wait short. The wait
// is bounded by Retries polls spaced Delay apart.
func (g *Generate) Follow(ctx context.Context, _ params.Values, creds types.CredentialBag, tr transport.Transport, first *transport.Response) (*transport.Response, error) {
	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(first.Body, &queued); err != nil || queued.PromptID == "" {
		return nil, &types.ProviderError{Provider: Provider, StatusCode: first.StatusCode, Message: "response carried no prompt_id", Embedded: true}
	}
	base, err := baseURL(creds)
	if err != nil {
		return nil, err
	}

	w := g.watch(ctx, base, creds)
	defer w.Close()

	retries, delay := g.bounds()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for range retries {
		resp, err := g.poll(ctx, tr, base, creds, queued.PromptID)
		if !errors.Is(err, errPending) {
			return resp, err
		}
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return nil, transport.Classify(Provider, time.Duration(retries)*delay, ctx.Err())
		case <-w.Wake():
		case <-timer.C:
		}
	}
	return nil, &types.TimeoutFault{Provider: Provider, Timeout: time.Duration(retries) * delay, Err: errPending}
}

func (g *Generate) bounds() (int, time.Duration) {
	retries, delay := g.Retries, g.Delay
	if retries <= 0 {
		retries = DefaultRetries
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return retries, delay
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// poll checks history once. errPending means the job has not finished; a
// non-2xx response is returned as is for the caller to classify.
func (g *Generate) poll(ctx context.Context, tr transport.Transport, base string, creds types.CredentialBag, promptID string) (*transport.Response, error) {
	resp, err := tr.Do(ctx, authorize(request.New(http.MethodGet, request.JoinURL(base, "history/"+url.PathEscape(promptID), nil)), creds))
	if err != nil || !resp.OK() {
		return resp, err
	}
	var history map[string]historyEntry
	if err := json.Unmarshal(resp.Body, &history); err != nil {
		return nil, fmt.Errorf("comfyui decode history: %w", err)
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, errPending
	}
	if entry.Status.StatusStr == "error" {
		return nil, &types.ProviderError{Provider: Provider, StatusCode: resp.StatusCode, Code: "execution_error", Message: executionError(entry.Status.Messages), Embedded: true}
	}

	img, found := firstImage(entry)
	if !found {
		if !entry.Status.Completed {
			return nil, errPending
		}
		return nil, &types.ProviderError{Provider: Provider, StatusCode: resp.StatusCode, Message: "workflow produced no images", Embedded: true}
	}

	q := url.Values{"filename": {img.Filename}, "subfolder": {img.Subfolder}, "type": {img.Type}}
	view, err := tr.Do(ctx, authorize(request.New(http.MethodGet, request.JoinURL(base, "view", q)), creds))
	if err != nil || !view.OK() {
		return view, err
	}
	if view.Header == nil {
		view.Header = make(http.Header)
	}
	view.Header.Set(headerFilename, img.Filename)
	view.Header.Set(headerPromptID, promptID)
	return view, nil
}

func firstImage(e historyEntry) (imageRef, bool) {
	for _, id := range nodeIDs(e.Outputs) {
		for _, img := range e.Outputs[id].Images {
			if img.Type == "" || img.Type == "output" {
				if img.Type == "" {
					img.Type = "output"
				}
				return img, true
			}
		}
	}
	return imageRef{}, false
}

// executionError pulls the exception message out of the status log, which is
// a list of [event, payload] pairs.
func executionError(msgs []any) string {
	for _, m := range msgs {
		pair, ok := m.([]any)
		if !ok || len(pair) != 2 || pair[0] != "execution_error" {
			continue
		}
		payload, _ := pair[1].(map[string]any)
		if msg := cast.ToString(payload["exception_message"]); msg != "" {
			if node := cast.ToString(payload["node_type"]); node != "" {
				return fmt.Sprintf("%s: %s", node, strings.TrimSpace(msg))
			}
			return strings.TrimSpace(msg)
		}
	}
	return "workflow execution failed"
}

// ─── Websocket wake-ups ─────────────────────────────────────────────────────

// watcher relays execution events from the server's websocket. A nil watcher
// never wakes, so polling alone still completes the job.
type watcher struct {
	conn *websocket.Conn
	wake chan struct{}
	done chan struct{}
}

var wakeEvents = []string{"status", "executing", "executed", "execution_success", "execution_error", "execution_cached"}

func (g *Generate) watch(ctx context.Context, base string, creds types.CredentialBag) *watcher {
	dialer := g.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	u, err := url.Parse(request.JoinURL(base, "ws", url.Values{"clientId": {uuid.NewString()}}))
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if key := creds.Get("api_key"); key != "" {
		request.Bearer(key).Apply(header)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil
	}

	w := &watcher{conn: conn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go w.read()
	return w
}

func (w *watcher) read() {
	defer close(w.done)
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &ev) != nil || !slices.Contains(wakeEvents, ev.Type) {
			continue
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Wake fires after a relevant event. Events arriving while a wake-up is
// pending are coalesced.
func (w *watcher) Wake() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.wake
}

// Close stops the reader and waits for it to exit.
func (w *watcher) Close() {
	if w == nil {
		return
	}
	_ = w.conn.Close()
	<-w.done
}
