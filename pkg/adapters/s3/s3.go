// Package s3 reads, writes and lists objects in S3-compatible storage.
package s3

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider    = "s3"
	MaxListKeys = 1000
)

var storeCreds = []string{"endpoint", "access_key", "secret_key"}

// Adapters returns every s3 operation bound to open. A nil open uses
// OpenMinio.
func Adapters(open Open) []invoke.Adapter {
	base := objectAdapter{Open: open}
	return []invoke.Adapter{ObjectGet{base}, ObjectPut{base}, ObjectsList{base}}
}

// objectAdapter carries the store constructor shared by every operation.
type objectAdapter struct {
	Open Open
}

func (o objectAdapter) Transport(creds types.CredentialBag) (transport.Transport, error) {
	open := o.Open
	if open == nil {
		open = OpenMinio
	}
	store, err := open(creds)
	if err != nil {
		return nil, err
	}
	return &Transport{Store: store}, nil
}

func bucketField() params.Field {
	return params.Field{Name: "bucket", Kind: params.String, Description: "Defaults to the bucket credential."}
}

func bucketOf(p params.Values, creds types.CredentialBag) (string, error) {
	b := strings.TrimSpace(p.String("bucket"))
	if b == "" {
		b = strings.TrimSpace(creds.Get("bucket"))
	}
	if b == "" {
		return "", types.Required("bucket")
	}
	return b, nil
}

func mimeOf(o ObjectInfo) string {
	if mt := normalize.MimeForName(o.Key); mt != "" {
		return mt
	}
	if o.ContentType != "" {
		return o.ContentType
	}
	return "application/octet-stream"
}

func keyOf(p params.Values) (string, error) {
	k := strings.TrimLeft(strings.TrimSpace(p.String("key")), "/")
	if k == "" {
		return "", types.Required("key")
	}
	return k, nil
}

// ─── s3.object.get ──────────────────────────────────────────────────────────

// ObjectGet downloads one object as a blob.
type ObjectGet struct{ objectAdapter }

func (ObjectGet) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "s3.object.get",
		Provider:    Provider,
		Description: "Download an object.",
		Params: params.Schema{Fields: []params.Field{
			bucketField(),
			{Name: "key", Kind: params.String, Required: true},
		}},
		Credentials: storeCreds,
		Timeout:     60 * time.Second,
	}
}

func (ObjectGet) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	bucket, err := bucketOf(p, creds)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(p)
	if err != nil {
		return nil, err
	}
	return request.New(http.MethodGet, URL(bucket, key, nil)), nil
}

func (ObjectGet) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	key, _ := keyOf(p)
	name := key[strings.LastIndexByte(key, '/')+1:]
	mt := normalize.InferMime("", name, resp.Body)
	if ct := resp.ContentType(); mt == "application/octet-stream" && ct != "" {
		mt = ct
	}
	return normalize.NewOutput().
		Summary("Downloaded %s (%d bytes).", key, len(resp.Body)).
		Add(normalize.Blob{Data: resp.Body, MimeType: mt, Filename: name}), nil
}

// ─── s3.object.put ──────────────────────────────────────────────────────────

// ObjectPut uploads text or base64 content.
type ObjectPut struct{ objectAdapter }

func (ObjectPut) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "s3.object.put",
		Provider:    Provider,
		Description: "Upload an object.",
		Params: params.Schema{Fields: []params.Field{
			bucketField(),
			{Name: "key", Kind: params.String, Required: true},
			{Name: "content", Kind: params.String, Required: true},
			{Name: "encoding", Kind: params.Enum, Enum: []string{"text", "base64"}, Default: "text"},
			{Name: "content_type", Kind: params.String, Description: "Inferred from the key when empty."},
		}},
		Credentials: storeCreds,
		Timeout:     60 * time.Second,
	}
}

func (ObjectPut) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	bucket, err := bucketOf(p, creds)
	if err != nil {
		return nil, err
	}
	key, err := keyOf(p)
	if err != nil {
		return nil, err
	}
	data := []byte(p.String("content"))
	if p.String("encoding") == "base64" {
		if data, err = base64.StdEncoding.DecodeString(p.String("content")); err != nil {
			return nil, &types.ValidationError{Field: "content", Reason: "is not valid base64."}
		}
	}
	ct := p.String("content_type")
	if ct == "" {
		ct = normalize.InferMime("", key, data)
	}
	req := request.New(http.MethodPut, URL(bucket, key, nil))
	req.Body = data
	req.Header.Set("Content-Type", ct)
	return req, nil
}

func (ObjectPut) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var info ObjectInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("s3 decode put: %w", err)
	}
	return normalize.NewOutput().
		Summary("Uploaded %d bytes to %s.", info.Size, info.Key).
		Add(normalize.Object{
			"key":          info.Key,
			"size":         info.Size,
			"etag":         info.ETag,
			"content_type": info.ContentType,
		}), nil
}

// ─── s3.objects.list ────────────────────────────────────────────────────────

// ObjectsList lists keys under a prefix.
type ObjectsList struct{ objectAdapter }

func (ObjectsList) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "s3.objects.list",
		Provider:    Provider,
		Description: "List objects under a prefix.",
		Params: params.Schema{Fields: []params.Field{
			bucketField(),
			{Name: "prefix", Kind: params.String},
			{Name: "max_keys", Kind: params.Int, Default: 100, Bounds: params.Between(1, MaxListKeys, params.Clamp)},
		}},
		Credentials: storeCreds,
		Timeout:     30 * time.Second,
	}
}

func (ObjectsList) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	bucket, err := bucketOf(p, creds)
	if err != nil {
		return nil, err
	}
	q := url.Values{"max_keys": {strconv.FormatInt(p.Int("max_keys"), 10)}}
	if prefix := p.String("prefix"); prefix != "" {
		q.Set("prefix", prefix)
	}
	return request.New(MethodList, URL(bucket, "", q)), nil
}

func (ObjectsList) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		Objects   []ObjectInfo `json:"objects"`
		Truncated bool         `json:"truncated"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("s3 decode list: %w", err)
	}
	items := make(normalize.List, 0, len(res.Objects))
	for _, o := range res.Objects {
		items = append(items, map[string]any{
			"key":           o.Key,
			"size":          o.Size,
			"etag":          o.ETag,
			"last_modified": o.LastModified.Format(time.RFC3339),
			"mime_type":     mimeOf(o),
		})
	}
	out := normalize.NewOutput()
	where := p.String("prefix")
	if where == "" {
		where = "the bucket"
	}
	if res.Truncated {
		out.Summary("Listed the first %d objects under %s.", len(items), where)
	} else {
		out.Summary("Listed %d objects under %s.", len(items), where)
	}
	return out.Add(items).Variable("truncated", res.Truncated), nil
}
