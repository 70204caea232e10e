package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/models"
	"grid-worker-node/internal/nodestate"
)

func TestSleepHandlerCommits(t *testing.T) {
	client := newFakeClient()
	h := &SleepHandler{Tick: time.Millisecond, Heartbeat: time.Millisecond}
	p, rec := newTestPool(t, nodestate.New(), h, Deps{})

	dispatch(t, p, models.Job{ID: "s", Input: `{"duration_ms":20,"exit_code":3,"output":"slept"}`}, client, false)
	rec.waitStopped(t)
	waitFor(t, "result delivered", func() bool { r, _, _ := client.counts(); return r == 1 })
	if got := client.results[0]; got.Output != "slept" || got.RetCode != 3 {
		t.Fatalf("result = %+v", got)
	}
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.delays == 0 || len(client.progress) == 0 {
		t.Fatalf("expected heartbeats and progress, got %d and %v", client.delays, client.progress)
	}
}

func TestSleepHandlerStopsOnShutdown(t *testing.T) {
	state := nodestate.New()
	client := newFakeClient()
	h := &SleepHandler{Tick: time.Millisecond, Heartbeat: time.Hour}
	p, rec := newTestPool(t, state, h, Deps{})

	dispatch(t, p, models.Job{ID: "s", Input: `{"duration_ms":60000}`}, client, false)
	waitFor(t, "job running", func() bool { return p.Running() == 1 })
	state.RequestShutdown(nodestate.Immediate)
	rec.waitStopped(t)
	waitFor(t, "job returned", func() bool { _, _, r := client.counts(); return r == 1 })
}

func TestSleepHandlerRejectsBadInput(t *testing.T) {
	client := newFakeClient()
	p, rec := newTestPool(t, nodestate.New(), NewSleepHandler(), Deps{})
	dispatch(t, p, models.Job{ID: "s", Input: `{"should_fail":true}`}, client, false)
	rec.waitStopped(t)
	waitFor(t, "failure delivered", func() bool { _, f, _ := client.counts(); return f == 1 })
}

func redPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageHandler_DownloadResizeAndGrayscale(t *testing.T) {
	src := redPNG(t, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	store, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	client := newFakeClient()
	h := NewImageHandler(ImageOptions{Width: 5, DownloadTimeout: 2 * time.Second, MaxBytes: 2 * 1024 * 1024})
	p, rec := newTestPool(t, nodestate.New(), h, Deps{Blobs: store})

	dispatch(t, p, models.Job{ID: "img-1", Tags: []models.Tag{
		{Name: "source_url", Value: srv.URL},
		{Name: "grayscale", Value: "true"},
		{Name: "format", Value: "png"},
	}}, client, false)
	rec.waitStopped(t)
	waitFor(t, "result delivered", func() bool { r, _, _ := client.counts(); return r == 1 })

	out := decodeOutput(t, store, client.results[0].Output)
	if out.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", out.Bounds().Dx())
	}
	r, g, b, _ := out.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestImageHandler_BlobInputCatmullRom(t *testing.T) {
	store, err := blob.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	w, _ := store.GetWriter(context.Background(), "in/photo.png")
	_, _ = w.Write(redPNG(t, 40))
	_ = w.Close()

	client := newFakeClient()
	h := NewImageHandler(ImageOptions{Width: 8})
	p, rec := newTestPool(t, nodestate.New(), h, Deps{Blobs: store})

	dispatch(t, p, models.Job{ID: "img-2", Input: models.BlobPrefix + "in/photo.png", Tags: []models.Tag{
		{Name: "scaler", Value: "catmullrom"},
		{Name: "format", Value: "png"},
	}}, client, false)
	rec.waitStopped(t)
	waitFor(t, "result delivered", func() bool { r, _, _ := client.counts(); return r == 1 })

	out := decodeOutput(t, store, client.results[0].Output)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 8 {
		t.Fatalf("expected 8x8, got %v", out.Bounds())
	}
}

func TestImageHandler_BadScalerFails(t *testing.T) {
	client := newFakeClient()
	h := NewImageHandler(ImageOptions{})
	p, rec := newTestPool(t, nodestate.New(), h, Deps{})
	dispatch(t, p, models.Job{ID: "img-3", Input: string(redPNG(t, 4)), Tags: []models.Tag{
		{Name: "scaler", Value: "sinc"},
	}}, client, false)
	rec.waitStopped(t)
	waitFor(t, "failure delivered", func() bool { _, f, _ := client.counts(); return f == 1 })
}

func decodeOutput(t *testing.T, store blob.Store, output string) image.Image {
	t.Helper()
	data := []byte(output)
	if key, ok := (&models.Job{Input: output}).InputBlobKey(); ok {
		r, err := store.GetReader(context.Background(), key)
		if err != nil {
			t.Fatalf("read output blob: %v", err)
		}
		defer r.Close()
		if data, err = io.ReadAll(r); err != nil {
			t.Fatalf("read output blob: %v", err)
		}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	return img
}
