package comfyui

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bturcanu/plugwire/pkg/adapters/adaptertest"
	"github.com/bturcanu/plugwire/pkg/types"
)

const workflow = `{
	"3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20, "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}},
	"4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd.safetensors"}},
	"5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
	"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "old", "clip": ["4", 1]}},
	"7": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
	"9": {"class_type": "SaveImage", "inputs": {"images": ["8", 0]}}
}`

var png = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

const doneHistory = `{"p1": {
	"outputs": {"9": {"images": [{"filename": "ComfyUI_00001_.png", "subfolder": "", "type": "output"}]}},
	"status": {"status_str": "success", "completed": true, "messages": []}
}}`

type server struct {
	queued  string
	history func(calls int32) string
	ws      bool
	image   []byte

	historyCalls atomic.Int32
}

func (s *server) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/prompt":
			adaptertest.JSON(http.StatusOK, s.queued)(w, r)
		case r.URL.Path == "/history/p1":
			n := s.historyCalls.Add(1)
			adaptertest.JSON(http.StatusOK, s.history(n))(w, r)
		case r.URL.Path == "/view":
			assert.Equal(t, "ComfyUI_00001_.png", r.URL.Query().Get("filename"))
			assert.Equal(t, "output", r.URL.Query().Get("type"))
			w.Header().Set("Content-Type", "image/png")
			if s.image != nil {
				_, _ = w.Write(s.image)
				return
			}
			_, _ = w.Write(png)
		case r.URL.Path == "/ws" && s.ws:
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
			_ = conn.WriteJSON(map[string]any{"type": "progress", "data": map[string]any{"value": 1}})
			_ = conn.WriteJSON(map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": "p1"}})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		default:
			http.NotFound(w, r)
		}
	}
}

func fast() *Generate {
	return &Generate{Retries: 50, Delay: 10 * time.Millisecond, Dialer: websocket.DefaultDialer}
}

func TestGenerate_PollsUntilImage(t *testing.T) {
	for _, ws := range []bool{true, false} {
		s := &server{
			queued: `{"prompt_id": "p1", "number": 3, "node_errors": {}}`,
			ws:     ws,
			history: func(n int32) string {
				if n < 3 {
					return `{}`
				}
				return doneHistory
			},
		}
		srv := adaptertest.NewProvider(t, s.handler(t))

		msgs := adaptertest.Invoke(t, fast(), types.ParameterBag{
			"workflow": workflow,
			"prompt":   "a lighthouse at dusk",
			"seed":     42,
			"width":    10000,
		}, map[string]string{"base_url": srv.URL, "api_key": "k"})

		adaptertest.RequireSuccess(t, msgs)
		require.Len(t, msgs, 3, "ws=%v", ws)
		assert.Equal(t, types.KindBlob, msgs[1].Kind)
		assert.Equal(t, "image/png", msgs[1].MimeType)
		assert.Equal(t, "ComfyUI_00001_.png", msgs[1].Filename)
		assert.Equal(t, png, msgs[1].Blob)
		assert.Equal(t, "p1", msgs[2].Value)
		assert.EqualValues(t, 3, s.historyCalls.Load())

		var sent struct {
			Prompt map[string]struct {
				Inputs map[string]any `json:"inputs"`
			} `json:"prompt"`
		}
		reqs := srv.Requests()
		require.Equal(t, "/prompt", reqs[0].Path)
		require.NoError(t, json.Unmarshal(reqs[0].Body, &sent))
		assert.Equal(t, "a lighthouse at dusk", sent.Prompt["6"].Inputs["text"])
		assert.Equal(t, float64(42), sent.Prompt["3"].Inputs["seed"])
		assert.Equal(t, float64(4096), sent.Prompt["5"].Inputs["width"])
		assert.Equal(t, float64(512), sent.Prompt["5"].Inputs["height"])
		assert.Equal(t, "Bearer k", reqs[0].Header.Get("Authorization"))
	}
}

func TestGenerate_NodeErrors(t *testing.T) {
	s := &server{queued: `{"prompt_id": "p1", "number": 1, "node_errors": {
		"6": {"class_type": "CLIPTextEncode", "errors": [{"type": "required_input_missing", "message": "Required input is missing", "details": "clip"}]}
	}}`}
	srv := adaptertest.NewProvider(t, s.handler(t))

	msgs := adaptertest.Invoke(t, fast(), types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "comfyui reported an error (node_errors): node 6 (CLIPTextEncode): Required input is missing: clip")
	assert.Zero(t, s.historyCalls.Load())
}

func TestGenerate_ExecutionError(t *testing.T) {
	s := &server{
		queued: `{"prompt_id": "p1", "number": 1, "node_errors": {}}`,
		history: func(int32) string {
			return `{"p1": {"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [
				["execution_start", {"prompt_id": "p1"}],
				["execution_error", {"prompt_id": "p1", "node_type": "KSampler", "exception_message": "CUDA out of memory\n"}]
			]}}}`
		},
	}
	srv := adaptertest.NewProvider(t, s.handler(t))

	msgs := adaptertest.Invoke(t, fast(), types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "comfyui reported an error (execution_error): KSampler: CUDA out of memory")
}

func TestGenerate_BoundedWait(t *testing.T) {
	s := &server{
		queued:  `{"prompt_id": "p1", "number": 1, "node_errors": {}}`,
		history: func(int32) string { return `{}` },
	}
	srv := adaptertest.NewProvider(t, s.handler(t))
	g := &Generate{Retries: 3, Delay: 5 * time.Millisecond}

	msgs := adaptertest.Invoke(t, g, types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "Network error: request to comfyui timed out after 15ms.")
	assert.EqualValues(t, 3, s.historyCalls.Load())
}

func TestGenerate_ViewFailureIsChecked(t *testing.T) {
	s := &server{
		queued:  `{"prompt_id": "p1", "number": 1, "node_errors": {}}`,
		history: func(int32) string { return doneHistory },
	}
	srv := adaptertest.NewProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/view" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "file not found")
			return
		}
		s.handler(t)(w, r)
	})

	msgs := adaptertest.Invoke(t, fast(), types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "comfyui returned HTTP 404: file not found")
}

func TestGenerate_LargeImageIsComplete(t *testing.T) {
	image := append(append([]byte{}, png...), make([]byte, 5<<20)...)
	s := &server{
		queued:  `{"prompt_id": "p1", "number": 1, "node_errors": {}}`,
		history: func(int32) string { return doneHistory },
		image:   image,
	}
	srv := adaptertest.NewProvider(t, s.handler(t))

	msgs := adaptertest.Invoke(t, fast(), types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireSuccess(t, msgs)
	require.Equal(t, types.KindBlob, msgs[1].Kind)
	assert.Len(t, msgs[1].Blob, len(image))
}

func TestGenerate_OversizedImageIsAnError(t *testing.T) {
	s := &server{
		queued:  `{"prompt_id": "p1", "number": 1, "node_errors": {}}`,
		history: func(int32) string { return doneHistory },
		image:   make([]byte, 2048),
	}
	srv := adaptertest.NewProvider(t, s.handler(t))
	g := fast()
	g.MaxBytes = 1024

	msgs := adaptertest.Invoke(t, g, types.ParameterBag{"workflow": workflow}, map[string]string{"base_url": srv.URL})

	adaptertest.RequireError(t, msgs, "response exceeds 1024 bytes")
}

func TestGenerate_InvalidWorkflow(t *testing.T) {
	msgs := adaptertest.Invoke(t, New(), types.ParameterBag{"workflow": `{"3": {"inputs": {}}}`},
		map[string]string{"base_url": "http://127.0.0.1:1"})
	adaptertest.RequireError(t, msgs, "workflow does not match the expected shape")
}

func TestPatch(t *testing.T) {
	var graph map[string]any
	require.NoError(t, json.Unmarshal([]byte(workflow), &graph))
	seed, steps := int64(7), int64(30)

	out, err := Patch(graph, Overrides{Prompt: "cat", NegativePrompt: "blurry", Seed: &seed, Steps: &steps})
	require.NoError(t, err)

	in := func(g map[string]any, id string) map[string]any {
		return g[id].(map[string]any)["inputs"].(map[string]any)
	}
	assert.Equal(t, "cat", in(out, "6")["text"])
	assert.Equal(t, "blurry", in(out, "7")["text"])
	assert.Equal(t, int64(7), in(out, "3")["seed"])
	assert.Equal(t, int64(30), in(out, "3")["steps"])
	assert.Equal(t, "old", in(graph, "6")["text"], "input graph is not mutated")
}

func TestPatch_AdvancedSamplerSeed(t *testing.T) {
	graph := map[string]any{
		"1": map[string]any{"class_type": "KSamplerAdvanced", "inputs": map[string]any{"noise_seed": 1}},
	}
	seed := int64(99)
	out, err := Patch(graph, Overrides{Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, int64(99), out["1"].(map[string]any)["inputs"].(map[string]any)["noise_seed"])
}

func TestPatch_LowestNumericNodeWins(t *testing.T) {
	graph := map[string]any{
		"10": map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 1}},
		"2":  map[string]any{"class_type": "KSampler", "inputs": map[string]any{"seed": 1}},
	}
	seed := int64(5)

	out, err := Patch(graph, Overrides{Seed: &seed})

	require.NoError(t, err)
	assert.Equal(t, int64(5), out["2"].(map[string]any)["inputs"].(map[string]any)["seed"])
	assert.EqualValues(t, 1, out["10"].(map[string]any)["inputs"].(map[string]any)["seed"])
}

func TestNodeIDs(t *testing.T) {
	g := map[string]int{"10": 0, "9": 0, "b": 0, "2": 0, "a": 0}
	assert.Equal(t, []string{"2", "9", "10", "a", "b"}, nodeIDs(g))
}

func TestPatch_MissingNodes(t *testing.T) {
	graph := map[string]any{"1": map[string]any{"class_type": "LoadImage", "inputs": map[string]any{}}}
	w := int64(512)

	_, err := Patch(graph, Overrides{Prompt: "x"})
	assert.EqualError(t, err, "prompt cannot be applied: workflow has no text encoder node.")
	_, err = Patch(graph, Overrides{Width: &w})
	assert.EqualError(t, err, "width cannot be applied: workflow has no latent image node.")
}
