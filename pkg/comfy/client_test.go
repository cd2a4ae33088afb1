package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 10*time.Millisecond, zerolog.Nop()), srv
}

func TestSubmitPrompt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotNil(t, req["prompt"])
		assert.NotEmpty(t, req["client_id"])
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc-123"})
	})
	c, _ := testClient(t, mux)

	id, err := c.SubmitPrompt(context.Background(), map[string]any{"3": map[string]any{"class_type": "KSampler"}})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestSubmitPromptHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
	})
	c, _ := testClient(t, mux)

	_, err := c.SubmitPrompt(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestSubmitPromptMissingId(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": "prompt_outputs_failed"}})
	})
	c, _ := testClient(t, mux)

	_, err := c.SubmitPrompt(context.Background(), map[string]any{})
	assert.Error(t, err)
}

// Job completes after a few polls; the exact listed set comes back, no
// duplicates, no omissions.
func TestCollectOutputs(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/history/job-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			fmt.Fprint(w, `{}`)
			return
		}
		fmt.Fprint(w, `{"job-1":{"outputs":{"9":{"images":[{"filename":"a.png","type":"output"},{"filename":"b.png","type":"output"}]}}}}`)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img:" + r.URL.Query().Get("filename")))
	})
	c, _ := testClient(t, mux)

	artifacts, err := c.CollectOutputs(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	got := map[string]string{}
	for _, a := range artifacts {
		got[a.Filename] = string(a.Data)
	}
	assert.Equal(t, map[string]string{"a.png": "img:a.png", "b.png": "img:b.png"}, got)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}

func TestCollectOutputsCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/job-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`) // never completes
	})
	c, _ := testClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.CollectOutputs(ctx, "job-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollectOutputsFetchFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/job-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"job-3":{"outputs":{"9":{"images":[{"filename":"a.png"},{"filename":"missing.png"}]}}}}`)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") == "missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	})
	c, _ := testClient(t, mux)

	artifacts, err := c.CollectOutputs(context.Background(), "job-3")
	assert.Error(t, err)
	assert.Nil(t, artifacts)
}

func TestUploadImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "input_test.png", header.Filename)
		assert.Equal(t, "true", r.FormValue("overwrite"))
		json.NewEncoder(w).Encode(map[string]string{"name": header.Filename})
	})
	c, _ := testClient(t, mux)

	err := c.UploadImage(context.Background(), "input_test.png", []byte{0x89, 0x50, 0x4e, 0x47})
	assert.NoError(t, err)
}

func TestSystemStats(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"system":{"os":"posix"},"devices":[{"name":"cuda:0","type":"cuda","vram_total":25769803776,"vram_free":4294967296}]}`)
	})
	c, _ := testClient(t, mux)

	stats, err := c.SystemStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats.Devices, 1)
	assert.InDelta(t, 20.0, stats.Devices[0].VramUsedGB(), 0.01)
}

func TestInterrupt(t *testing.T) {
	var hit int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/interrupt", func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&hit, 1)
	})
	c, _ := testClient(t, mux)

	require.NoError(t, c.Interrupt(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hit))
}
