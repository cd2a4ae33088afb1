package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfycord/comfycord/pkg/comfy"
	"github.com/comfycord/comfycord/pkg/config"
	"github.com/comfycord/comfycord/pkg/monitor"
	"github.com/comfycord/comfycord/pkg/queue"
	"github.com/comfycord/comfycord/pkg/store"
	"github.com/comfycord/comfycord/pkg/workflow"
)

// fakeBackend is an in-memory ComfyUI: submitted jobs complete after a
// configurable number of history polls.
type fakeBackend struct {
	mu            sync.Mutex
	submitted     int
	uploads       []string
	polls         map[string]int
	pollsRequired int
	vramUsedGB    float64
	outputs       []string
	never         bool
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.submitted++
		id := fmt.Sprintf("job-%d", f.submitted)
		f.polls[id] = 0
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": id})
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		id := filepath.Base(r.URL.Path)
		f.mu.Lock()
		f.polls[id]++
		done := f.never == false && f.polls[id] > f.pollsRequired
		f.mu.Unlock()
		if done == false {
			fmt.Fprint(w, `{}`)
			return
		}
		images := []map[string]string{}
		for _, name := range f.outputs {
			images = append(images, map[string]string{"filename": name, "type": "output"})
		}
		json.NewEncoder(w).Encode(map[string]any{id: map[string]any{"outputs": map[string]any{"9": map[string]any{"images": images}}}})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write(testPng())
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		_, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, header.Filename)
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		const gib = 1024 * 1024 * 1024
		f.mu.Lock()
		free := int64(24*gib) - int64(f.vramUsedGB*gib)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"devices": []map[string]any{{"name": "cuda:0", "vram_total": int64(24 * gib), "vram_free": free}}})
	})
	mux.HandleFunc("/api/interrupt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	return mux
}

var pngOnce sync.Once
var pngData []byte

func testPng() []byte {
	pngOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := 0; i < 8; i++ {
			img.Set(i, i, color.RGBA{R: 255, A: 255})
		}
		var buf bytes.Buffer
		png.Encode(&buf, img)
		pngData = buf.Bytes()
	})
	return pngData
}

func testEngine(t *testing.T, backend *fakeBackend) (*Engine, *store.Stats) {
	t.Helper()
	if backend.polls == nil {
		backend.polls = map[string]int{}
	}
	if backend.outputs == nil {
		backend.outputs = []string{"out_1.png"}
	}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Api_timeout = 2

	dir := t.TempDir()
	for _, name := range []string{"txt2img", "txt2img_hr", "img2img", "animate"} {
		writeEngineTemplate(t, dir, name)
	}

	logger := zerolog.Nop()
	cache := workflow.NewCache(dir, logger)
	prefs, err := store.LoadPreferences(filepath.Join(t.TempDir(), "prefs.json"), logger)
	require.NoError(t, err)
	stats, err := store.OpenStats(filepath.Join(t.TempDir(), "stats.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { stats.Close() })

	client := comfy.NewClient(srv.URL, 5*time.Millisecond, logger)
	mon := monitor.New(client, 20, 5*time.Millisecond, logger)
	gate := queue.NewGate(2, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gate.Run(ctx)

	builder := workflow.NewBuilder(cache, prefs, cfg, logger)
	return New(cfg, builder, client, gate, mon, stats, logger), stats
}

func TestGenerateText2Image(t *testing.T) {
	backend := &fakeBackend{pollsRequired: 2, outputs: []string{"a.png", "b.png"}}
	e, stats := testEngine(t, backend)

	result, err := e.Generate(context.Background(), Request{
		Feature: FeatureText2Image, GuildId: "g1", UserId: "42", Username: "alice",
		Text: "a cat steps:20",
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 2)
	assert.Equal(t, "a.png", result.Images[0].Filename)
	assert.Equal(t, map[string]string{"steps": "20"}, result.Params)
	assert.Equal(t, "uncanny", result.Model)
	assert.Greater(t, result.Elapsed, time.Duration(0))

	row, err := stats.User("g1", "42")
	require.NoError(t, err)
	assert.Equal(t, 2, row.Images)
}

func TestGenerateBusy(t *testing.T) {
	backend := &fakeBackend{vramUsedGB: 23}
	e, _ := testEngine(t, backend)

	_, err := e.Generate(context.Background(), Request{Feature: FeatureText2Image, UserId: "42", Text: "a cat"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 0, backend.submitted)
}

func TestGenerateUnavailable(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := testEngine(t, backend)

	// inpaint template was never provisioned
	_, err := e.Generate(context.Background(), Request{
		Feature: FeatureInpaint, UserId: "42", Text: "a cat",
		Image: testPng(), Mask: testPng(),
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGenerateTimeout(t *testing.T) {
	backend := &fakeBackend{never: true}
	e, _ := testEngine(t, backend)

	start := time.Now()
	_, err := e.Generate(context.Background(), Request{Feature: FeatureText2Image, UserId: "42", Text: "a cat"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestGenerateMissingImage(t *testing.T) {
	e, _ := testEngine(t, &fakeBackend{})

	_, err := e.Generate(context.Background(), Request{Feature: FeatureImage2Image, UserId: "42", Text: "a cat"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGenerateOversizedImage(t *testing.T) {
	e, _ := testEngine(t, &fakeBackend{})

	img := image.NewRGBA(image.Rect(0, 0, 3200, 1))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	_, err := e.Generate(context.Background(), Request{Feature: FeatureUpscale, UserId: "42", Image: buf.Bytes()})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGenerateImage2ImageStagesUpload(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := testEngine(t, backend)

	result, err := e.Generate(context.Background(), Request{
		Feature: FeatureImage2Image, UserId: "42", Text: "a boat", Image: testPng(),
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 1)
	require.Len(t, backend.uploads, 1)
	assert.Contains(t, backend.uploads[0], "input_")
}

func TestGenerateAnimate(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := testEngine(t, backend)

	result, err := e.Generate(context.Background(), Request{
		Feature: FeatureAnimate, UserId: "42", Text: "a star frames:3 speed:100",
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "animation.gif", result.Images[0].Filename)
	assert.Equal(t, 3, backend.submitted)

	decoded, err := gif.DecodeAll(bytes.NewReader(result.Images[0].Data))
	require.NoError(t, err)
	assert.Len(t, decoded.Image, 3)
	assert.Equal(t, 10, decoded.Delay[0])
}

func TestStatus(t *testing.T) {
	e, _ := testEngine(t, &fakeBackend{})
	status := e.Status(context.Background())
	assert.Equal(t, 2, status.Limit)
	assert.True(t, status.Admissible)
	assert.Equal(t, 0, status.Running)
}

func writeEngineTemplate(t *testing.T, dir string, name string) {
	t.Helper()
	var body string
	switch name {
	case "img2img":
		body = `
3:
  class_type: KSampler
  inputs: {seed: 0, steps: 35, cfg: 4.0, sampler_name: a, scheduler: b}
4:
  class_type: CheckpointLoaderSimple
  inputs: {ckpt_name: x}
5:
  class_type: LoadImage
  inputs: {image: placeholder.png}
6:
  class_type: CLIPTextEncode
  inputs: {text: ""}
7:
  class_type: CLIPTextEncode
  inputs: {text: ""}
9:
  class_type: SaveImage
  inputs: {images: ["3", 0]}
`
	case "animate":
		body = `
3:
  class_type: CheckpointLoaderSimple
  inputs: {ckpt_name: x}
5:
  class_type: CLIPTextEncode
  inputs: {text: ""}
6:
  class_type: CLIPTextEncode
  inputs: {text: ""}
7:
  class_type: KSampler
  inputs: {seed: 0, steps: 35, cfg: 4.0, sampler_name: a, scheduler: b}
9:
  class_type: SaveImage
  inputs: {images: ["7", 0]}
`
	default: // txt2img variants
		body = `
3:
  class_type: KSampler
  inputs: {seed: 0, steps: 35, cfg: 4.0, sampler_name: a, scheduler: b}
4:
  class_type: CheckpointLoaderSimple
  inputs: {ckpt_name: x}
5:
  class_type: EmptyLatentImage
  inputs: {width: 1024, height: 1024, batch_size: 1}
6:
  class_type: CLIPTextEncode
  inputs: {text: ""}
7:
  class_type: CLIPTextEncode
  inputs: {text: ""}
9:
  class_type: SaveImage
  inputs: {images: ["3", 0]}
`
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0644))
}
