package comfyui

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/bturcanu/plugwire/pkg/types"
)

// Overrides are values written into well-known nodes of a workflow. Nil and
// empty fields leave the graph as authored.
type Overrides struct {
	Prompt         string
	NegativePrompt string
	Seed           *int64
	Steps          *int64
	Width          *int64
	Height         *int64
}

var (
	textEncoders = []string{"CLIPTextEncode", "CLIPTextEncodeSDXL"}
	samplers     = []string{"KSampler", "KSamplerAdvanced"}
	latents      = []string{"EmptyLatentImage", "EmptySD3LatentImage"}
)

// Patch returns a copy of graph with o applied. The positive prompt goes to
// the sampler's "positive" input when it is wired to a text encoder, else to
// the first text encoder by node id; the negative prompt likewise.
func Patch(graph any, o Overrides) (map[string]any, error) {
	g, err := clone(graph)
	if err != nil {
		return nil, err
	}

	sampler := firstNode(g, samplers...)
	if o.Prompt != "" {
		node := linked(g, sampler, "positive")
		if node == nil {
			node = firstNode(g, textEncoders...)
		}
		if node == nil {
			return nil, &types.ValidationError{Field: "prompt", Reason: "cannot be applied: workflow has no text encoder node."}
		}
		inputs(node)["text"] = o.Prompt
	}
	if o.NegativePrompt != "" {
		node := linked(g, sampler, "negative")
		if node == nil {
			return nil, &types.ValidationError{Field: "negative_prompt", Reason: "cannot be applied: sampler has no negative input."}
		}
		inputs(node)["text"] = o.NegativePrompt
	}

	for _, s := range []struct {
		field string
		v     *int64
	}{{"seed", o.Seed}, {"steps", o.Steps}} {
		if s.v == nil {
			continue
		}
		if sampler == nil {
			return nil, &types.ValidationError{Field: s.field, Reason: "cannot be applied: workflow has no sampler node."}
		}
		key := s.field
		if key == "seed" && sampler["class_type"] == "KSamplerAdvanced" {
			key = "noise_seed"
		}
		inputs(sampler)[key] = *s.v
	}

	if o.Width != nil || o.Height != nil {
		latent := firstNode(g, latents...)
		if latent == nil {
			return nil, &types.ValidationError{Field: "width", Reason: "cannot be applied: workflow has no latent image node."}
		}
		if o.Width != nil {
			inputs(latent)["width"] = *o.Width
		}
		if o.Height != nil {
			inputs(latent)["height"] = *o.Height
		}
	}
	return g, nil
}

func clone(graph any) (map[string]any, error) {
	b, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("comfyui copy workflow: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, &types.ValidationError{Field: "workflow", Reason: "must be a JSON object."}
	}
	return out, nil
}

// nodeIDs returns the keys of g in node order: numeric ids ascending by
// value, then any other ids lexically.
func nodeIDs[V any](g map[string]V) []string {
	return slices.SortedFunc(maps.Keys(g), func(a, b string) int {
		na, errA := strconv.ParseInt(a, 10, 64)
		nb, errB := strconv.ParseInt(b, 10, 64)
		switch {
		case errA == nil && errB == nil:
			return cmp.Compare(na, nb)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		}
		return cmp.Compare(a, b)
	})
}

// firstNode returns the node with the lowest id whose class_type is one of
// classes.
func firstNode(g map[string]any, classes ...string) map[string]any {
	for _, id := range nodeIDs(g) {
		node, ok := g[id].(map[string]any)
		if !ok {
			continue
		}
		if ct, _ := node["class_type"].(string); slices.Contains(classes, ct) {
			return node
		}
	}
	return nil
}

// linked follows an input wired as ["node_id", output_index].
func linked(g, node map[string]any, input string) map[string]any {
	if node == nil {
		return nil
	}
	link, ok := inputs(node)[input].([]any)
	if !ok || len(link) == 0 {
		return nil
	}
	id := fmt.Sprint(link[0])
	target, _ := g[id].(map[string]any)
	return target
}

func inputs(node map[string]any) map[string]any {
	in, ok := node["inputs"].(map[string]any)
	if !ok {
		in = map[string]any{}
		node["inputs"] = in
	}
	return in
}
