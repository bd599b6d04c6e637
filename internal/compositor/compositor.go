// Package compositor overlays a branding mask onto generated images.
package compositor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"aivr-agent/internal/domain"
)

const maskBodyLimit = 10 << 20

// Compositor draws the mask image at the mask URL over every image passed to
// Apply. An empty mask URL disables compositing.
type Compositor struct {
	maskURL    string
	httpClient *http.Client

	mu   sync.Mutex
	mask image.Image
}

type Option func(*Compositor)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Compositor) {
		c.httpClient = httpClient
	}
}

func New(maskURL string, opts ...Option) *Compositor {
	c := &Compositor{
		maskURL:    strings.TrimSpace(maskURL),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a mask is configured.
func (c *Compositor) Enabled() bool {
	return c.maskURL != ""
}

// Apply returns img with the mask stretched over its full bounds, encoded as PNG.
func (c *Compositor) Apply(ctx context.Context, img domain.GeneratedImage) (domain.GeneratedImage, error) {
	if !c.Enabled() {
		return img, nil
	}

	target, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("Compositor - Apply - imaging.Decode: %w", err)
	}

	mask, err := c.loadMask(ctx)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("Compositor - Apply - loadMask: %w", err)
	}

	b := target.Bounds()
	if mask.Bounds().Dx() != b.Dx() || mask.Bounds().Dy() != b.Dy() {
		mask = imaging.Resize(mask, b.Dx(), b.Dy(), imaging.Lanczos)
	}
	out := imaging.Overlay(target, mask, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("Compositor - Apply - imaging.Encode: %w", err)
	}
	return domain.GeneratedImage{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

// loadMask fetches and decodes the mask once. Failed fetches are retried on
// the next call.
func (c *Compositor) loadMask(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mask != nil {
		return c.mask, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.maskURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch mask: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch mask: unexpected status %d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maskBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}

	mask, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging.Decode: %w", err)
	}
	c.mask = mask
	return mask, nil
}
