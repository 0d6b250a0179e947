// Package tts synthesizes speech through an OpenAI-compatible
// /v1/audio/speech endpoint.
package tts

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider       = "tts"
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "tts-1"

	// MaxAudioBytes caps a synthesized clip.
	MaxAudioBytes = 32 << 20
)

var formats = []string{"mp3", "opus", "aac", "flac", "wav", "pcm"}

// Speech turns text into an audio blob.
type Speech struct{}

func (Speech) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "tts.speech",
		Provider:    Provider,
		Description: "Convert text to speech audio.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "text", Kind: params.String, Required: true},
			{Name: "voice", Kind: params.String, Default: "alloy"},
			{Name: "model", Kind: params.String, Default: DefaultModel},
			{Name: "format", Kind: params.Enum, Enum: formats, Default: "mp3"},
			{Name: "speed", Kind: params.Float, Default: 1.0, Bounds: params.Between(0.25, 4, params.Clamp)},
		}},
		Credentials: []string{"api_key"},
		Timeout:     invoke.MaxTimeout,
	}
}

// Transport raises the response cap for audio payloads.
func (Speech) Transport(types.CredentialBag) (transport.Transport, error) {
	return transport.NewHTTP(transport.WithMaxBodyBytes(MaxAudioBytes)), nil
}

func (Speech) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	raw := creds.Get("base_url")
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := request.NormalizeBaseURL(raw, "/v1")
	if err != nil {
		return nil, err
	}
	req, err := request.NewJSON(http.MethodPost, request.JoinURL(base, "audio/speech", nil), map[string]any{
		"model":           p.String("model"),
		"input":           p.String("text"),
		"voice":           p.String("voice"),
		"response_format": p.String("format"),
		"speed":           p.Float("speed"),
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "*/*")
	req.Timeout = 90 * time.Second
	return req.Authorize(request.Bearer(creds.Get("api_key"))), nil
}

func (Speech) Normalize(p params.Values, resp *transport.Response) (*normalize.Output, error) {
	if len(resp.Body) == 0 {
		return nil, &types.ProviderError{Provider: Provider, StatusCode: resp.StatusCode, Message: "empty audio response", Embedded: true}
	}
	format := p.String("format")
	mt := normalize.InferMime(format, "", resp.Body)
	name := fmt.Sprintf("speech%s", normalize.ExtensionFor(mt))
	return normalize.NewOutput().
		Summary("Generated %s audio (%d bytes).", format, len(resp.Body)).
		Add(normalize.Blob{Data: resp.Body, MimeType: mt, Filename: name}), nil
}
