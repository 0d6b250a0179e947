// Package comfyui queues image workflows on a ComfyUI server and waits for
// the rendered image.
package comfyui

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cast"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider = "comfyui"

	DefaultRetries = 60
	DefaultDelay   = 2 * time.Second
	// MaxImageBytes caps the downloaded image.
	MaxImageBytes = 64 << 20

	headerFilename = "X-Comfyui-Filename"
	headerPromptID = "X-Comfyui-Prompt-Id"
)

var workflowSchema = json.RawMessage(`{
	"type": "object",
	"minProperties": 1,
	"additionalProperties": {
		"type": "object",
		"required": ["class_type", "inputs"],
		"properties": {"class_type": {"type": "string"}, "inputs": {"type": "object"}}
	}
}`)

// Generate runs an API-format workflow graph. Retries and Delay bound the
// wait for the job; Dialer opens the progress websocket. MaxBytes overrides
// MaxImageBytes when set.
type Generate struct {
	Retries  int
	Delay    time.Duration
	Dialer   *websocket.Dialer
	MaxBytes int64
}

// New returns the adapter with default polling bounds.
func New() *Generate {
	return &Generate{Retries: DefaultRetries, Delay: DefaultDelay, Dialer: websocket.DefaultDialer}
}

func (g *Generate) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "comfyui.image.generate",
		Provider:    Provider,
		Description: "Render an image with a ComfyUI workflow.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "workflow", Kind: params.JSON, Required: true, JSONSchema: workflowSchema,
				Description: "Workflow graph in API format."},
			{Name: "prompt", Kind: params.String},
			{Name: "negative_prompt", Kind: params.String},
			{Name: "seed", Kind: params.Int},
			{Name: "steps", Kind: params.Int, Bounds: params.Between(1, 150, params.Clamp)},
			{Name: "width", Kind: params.Int, Bounds: params.Between(64, 4096, params.Clamp)},
			{Name: "height", Kind: params.Int, Bounds: params.Between(64, 4096, params.Clamp)},
		}},
		Credentials: []string{"base_url"},
		Timeout:     invoke.MaxTimeout,
	}
}

// Transport raises the response cap for image downloads.
func (g *Generate) Transport(types.CredentialBag) (transport.Transport, error) {
	n := g.MaxBytes
	if n <= 0 {
		n = MaxImageBytes
	}
	return transport.NewHTTP(transport.WithMaxBodyBytes(n)), nil
}

// FailureRules flags a queued prompt that the server refused node by node.
func (g *Generate) FailureRules() []normalize.FailureRule {
	return []normalize.FailureRule{nodeErrorsRule}
}

func nodeErrorsRule(body map[string]any) (*types.ProviderError, bool) {
	nodes, ok := body["node_errors"].(map[string]any)
	if !ok || len(nodes) == 0 {
		return nil, false
	}
	pe := &types.ProviderError{Code: "node_errors", Message: "workflow rejected"}
	for _, id := range slices.Sorted(maps.Keys(nodes)) {
		node, _ := nodes[id].(map[string]any)
		errs, _ := node["errors"].([]any)
		if len(errs) == 0 {
			continue
		}
		first, _ := errs[0].(map[string]any)
		msg := cast.ToString(first["message"])
		if d := cast.ToString(first["details"]); d != "" {
			msg += ": " + d
		}
		pe.Message = fmt.Sprintf("node %s (%s): %s", id, cast.ToString(node["class_type"]), msg)
		break
	}
	return pe, true
}

func baseURL(creds types.CredentialBag) (string, error) {
	return request.NormalizeBaseURL(creds.Get("base_url"), "")
}

func authorize(r *request.Request, creds types.CredentialBag) *request.Request {
	if key := creds.Get("api_key"); key != "" {
		r.Authorize(request.Bearer(key))
	}
	return r
}

func (g *Generate) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	base, err := baseURL(creds)
	if err != nil {
		return nil, err
	}
	graph, err := Patch(p.JSON("workflow"), Overrides{
		Prompt:         p.String("prompt"),
		NegativePrompt: p.String("negative_prompt"),
		Seed:           optionalInt(p, "seed"),
		Steps:          optionalInt(p, "steps"),
		Width:          optionalInt(p, "width"),
		Height:         optionalInt(p, "height"),
	})
	if err != nil {
		return nil, err
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, "prompt", nil), map[string]any{"prompt": graph})
	if err != nil {
		return nil, err
	}
	return authorize(req, creds), nil
}

func optionalInt(p params.Values, name string) *int64 {
	if !p.Has(name) {
		return nil
	}
	v := p.Int(name)
	return &v
}

func (g *Generate) Normalize(_ params.Values, resp *transport.Response) (*normalize.Output, error) {
	name := resp.Header.Get(headerFilename)
	mt := resp.ContentType()
	if mt == "" || mt == "application/octet-stream" {
		mt = normalize.InferMime("", name, resp.Body)
	}
	return normalize.NewOutput().
		Summary("Generated image %s (%d bytes).", name, len(resp.Body)).
		Add(normalize.Blob{Data: resp.Body, MimeType: mt, Filename: name}).
		Variable("prompt_id", resp.Header.Get(headerPromptID)), nil
}
