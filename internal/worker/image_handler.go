package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"grid-worker-node/internal/nodestate"
)

// ImageOptions holds the image handler's defaults. Per-job tags override
// width, height, grayscale, format and scaler.
type ImageOptions struct {
	Width           int
	Height          int
	Scaler          string
	DownloadTimeout time.Duration
	MaxBytes        int64
}

// ImageHandler resizes an image. The source is the job input (inline or a
// blob reference) unless a source_url tag names an HTTP location. The
// encoded result is written to the job's output stream.
type ImageHandler struct {
	opts       ImageOptions
	httpClient *http.Client
}

type imageParams struct {
	sourceURL string
	width     int
	height    int
	grayscale bool
	format    string
	scaler    string
}

func NewImageHandler(opts ImageOptions) *ImageHandler {
	if opts.DownloadTimeout == 0 {
		opts.DownloadTimeout = 30 * time.Second
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}
	if opts.Width == 0 && opts.Height == 0 {
		opts.Width = 320
	}
	if opts.Scaler == "" {
		opts.Scaler = "lanczos"
	}
	return &ImageHandler{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.DownloadTimeout},
	}
}

func (h *ImageHandler) Execute(ctx context.Context, jc *JobContext) Result {
	params, err := h.params(jc)
	if err != nil {
		return Failure(err)
	}

	data, err := h.source(ctx, jc, params)
	if err != nil {
		return Failure(err)
	}
	if jc.GetShutdownLevel(ctx) >= nodestate.Immediate {
		_ = jc.ReturnJob()
		return Success(0)
	}

	img, decoded, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Failuref("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return Failuref("invalid image dimensions")
	}
	if params.grayscale {
		img = imaging.Grayscale(img)
	}
	img, err = resize(img, params.width, params.height, params.scaler)
	if err != nil {
		return Failure(err)
	}

	format, err := chooseFormat(params.format, decoded)
	if err != nil {
		return Failure(err)
	}
	out, err := jc.GetOStream(ctx)
	if err != nil {
		return Failure(err)
	}
	if err := imaging.Encode(out, img, format, imaging.JPEGQuality(85)); err != nil {
		return Failuref("encode image: %w", err)
	}
	jc.SetRetCode(0)
	if err := jc.CommitJob(); err != nil {
		return Failure(err)
	}
	return Success(0)
}

func (h *ImageHandler) params(jc *JobContext) (imageParams, error) {
	p := imageParams{
		width:  h.opts.Width,
		height: h.opts.Height,
		scaler: h.opts.Scaler,
	}
	p.sourceURL, _ = jc.Tag("source_url")
	var err error
	if v, ok := jc.Tag("width"); ok {
		if p.width, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("width tag: %w", err)
		}
	}
	if v, ok := jc.Tag("height"); ok {
		if p.height, err = strconv.Atoi(v); err != nil {
			return p, fmt.Errorf("height tag: %w", err)
		}
	}
	if v, ok := jc.Tag("grayscale"); ok {
		if p.grayscale, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("grayscale tag: %w", err)
		}
	}
	if v, ok := jc.Tag("scaler"); ok {
		p.scaler = v
	}
	p.format, _ = jc.Tag("format")
	if p.width < 0 || p.height < 0 || (p.width == 0 && p.height == 0) {
		return p, errors.New("width or height must be positive")
	}
	return p, nil
}

func (h *ImageHandler) source(ctx context.Context, jc *JobContext, p imageParams) ([]byte, error) {
	if p.sourceURL != "" {
		return h.download(ctx, p.sourceURL)
	}
	in, err := jc.GetIStream(ctx)
	if err != nil {
		return nil, err
	}
	return readLimited(in, h.opts.MaxBytes)
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	return readLimited(resp.Body, h.opts.MaxBytes)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

// resize scales img to width x height. A zero dimension keeps the aspect
// ratio.
func resize(img image.Image, width, height int, scaler string) (image.Image, error) {
	switch strings.ToLower(scaler) {
	case "", "lanczos":
		return imaging.Resize(img, width, height, imaging.Lanczos), nil
	case "catmullrom", "bilinear":
		b := img.Bounds()
		if width == 0 {
			width = b.Dx() * height / b.Dy()
		}
		if height == 0 {
			height = b.Dy() * width / b.Dx()
		}
		if width == 0 {
			width = 1
		}
		if height == 0 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		var s draw.Scaler = draw.CatmullRom
		if strings.EqualFold(scaler, "bilinear") {
			s = draw.BiLinear
		}
		s.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		return dst, nil
	}
	return nil, fmt.Errorf("unknown scaler %q", scaler)
}

func chooseFormat(requested, decoded string) (imaging.Format, error) {
	name := requested
	if name == "" {
		name = decoded
	}
	switch strings.ToLower(name) {
	case "png":
		return imaging.PNG, nil
	case "gif":
		return imaging.GIF, nil
	case "tiff":
		return imaging.TIFF, nil
	case "jpg", "jpeg", "":
		return imaging.JPEG, nil
	}
	if requested != "" {
		return 0, fmt.Errorf("unsupported output format %q", requested)
	}
	return imaging.JPEG, nil
}
