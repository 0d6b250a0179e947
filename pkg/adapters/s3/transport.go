package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/spf13/cast"

	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// MethodList is the pseudo-method of listing requests.
const MethodList = "LIST"

// Location is a parsed s3://bucket/key address.
type Location struct {
	Bucket string
	Key    string
	Query  url.Values
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// ParseLocation splits an s3:// URL.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return Location{}, fmt.Errorf("s3: invalid location %q", raw)
	}
	return Location{Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/"), Query: u.Query()}, nil
}

// URL renders an s3:// address. The key keeps its slashes.
func URL(bucket, key string, q url.Values) string {
	u := url.URL{Scheme: "s3", Host: bucket, Path: "/" + key}
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Transport executes s3:// requests against an ObjectStore. Store errors
// with an S3 error code become non-2xx responses so the usual status check
// reports them.
type Transport struct {
	Store ObjectStore
}

func (t *Transport) Do(ctx context.Context, req *request.Request) (*transport.Response, error) {
	loc, err := ParseLocation(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	switch req.Method {
	case http.MethodGet:
		data, info, err := t.Store.Get(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return t.fail(loc, req, err)
		}
		h := http.Header{}
		if info.ContentType != "" {
			h.Set("Content-Type", info.ContentType)
		}
		h.Set("ETag", info.ETag)
		return &transport.Response{StatusCode: http.StatusOK, Header: h, Body: data}, nil

	case http.MethodPut:
		info, err := t.Store.Put(ctx, loc.Bucket, loc.Key, req.Body, req.Header.Get("Content-Type"))
		if err != nil {
			return t.fail(loc, req, err)
		}
		return jsonResponse(info)

	case MethodList:
		limit := cast.ToInt(loc.Query.Get("max_keys"))
		objs, truncated, err := t.Store.List(ctx, loc.Bucket, loc.Query.Get("prefix"), limit)
		if err != nil {
			return t.fail(loc, req, err)
		}
		if objs == nil {
			objs = []ObjectInfo{}
		}
		return jsonResponse(map[string]any{"objects": objs, "truncated": truncated})
	}
	return nil, fmt.Errorf("s3: unsupported method %s", req.Method)
}

func (t *Transport) fail(loc Location, req *request.Request, err error) (*transport.Response, error) {
	var er minio.ErrorResponse
	if errors.As(err, &er) && er.StatusCode != 0 {
		body, _ := json.Marshal(map[string]string{"code": er.Code, "message": er.Message})
		return &transport.Response{
			StatusCode: er.StatusCode,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       body,
		}, nil
	}
	var ve *types.ValidationError
	if errors.As(err, &ve) {
		return nil, err
	}
	return nil, transport.Classify(loc.Bucket, req.Timeout, err)
}

func jsonResponse(v any) (*transport.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("s3 encode response: %w", err)
	}
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       body,
	}, nil
}
