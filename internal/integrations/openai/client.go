package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aivr-agent/internal/domain"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModel           = "gpt-image-1"
	defaultSize            = "1024x1024"
	defaultAzureAPIVersion = "2024-02-15-preview"

	errorBodyLimit = 4096
	imageBodyLimit = 32 << 20
)

// SecretSource yields a credential. It reports domain.ErrNotConfigured when
// the credential is absent.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// generationRequest is the JSON body of the image generations endpoint.
type generationRequest struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

// imagesResponse is the response shape shared by generations and edits.
type imagesResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type azureConfig struct {
	endpoint   string
	deployment string
	apiVersion string
	key        SecretSource
}

// Client generates and edits images through the OpenAI images API, or through
// an Azure OpenAI deployment when no OpenAI key is configured.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        SecretSource
	model      string
	size       string
	azure      *azureConfig
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

func WithSize(size string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(size); s != "" {
			c.size = s
		}
	}
}

// WithAzure configures the Azure OpenAI fallback. An empty apiVersion selects
// the default.
func WithAzure(endpoint, deployment, apiVersion string, key SecretSource) Option {
	return func(c *Client) {
		if apiVersion == "" {
			apiVersion = defaultAzureAPIVersion
		}
		c.azure = &azureConfig{
			endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
			deployment: strings.TrimSpace(deployment),
			apiVersion: apiVersion,
			key:        key,
		}
	}
}

// NewClient creates a Client. The key is resolved on every call so a missing
// credential surfaces as domain.ErrNotConfigured at use time, not at startup.
func NewClient(key SecretSource, opts ...Option) (*Client, error) {
	if key == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		key:        key,
		model:      defaultModel,
		size:       defaultSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

// endpoint is a resolved upstream target for one call.
type endpoint struct {
	url     string
	model   string
	headers map[string]string
}

func openAIURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func azureURL(az *azureConfig, path string) string {
	return az.endpoint + "/openai/deployments/" + url.PathEscape(az.deployment) + path +
		"?api-version=" + url.QueryEscape(az.apiVersion)
}

// resolveEndpoint prefers OpenAI when its key is available and falls back to
// Azure otherwise.
func (c *Client) resolveEndpoint(ctx context.Context, path string) (endpoint, error) {
	key, err := c.key.Value(ctx)
	if err == nil {
		return endpoint{
			url:     openAIURL(c.baseURL, path),
			model:   c.model,
			headers: map[string]string{"Authorization": "Bearer " + key},
		}, nil
	}
	if !errors.Is(err, domain.ErrNotConfigured) {
		return endpoint{}, fmt.Errorf("openai: resolve key: %w", err)
	}

	az := c.azure
	if az == nil || az.endpoint == "" || az.deployment == "" || az.key == nil {
		return endpoint{}, fmt.Errorf("openai: no OpenAI key and no Azure deployment: %w", domain.ErrNotConfigured)
	}
	azKey, err := az.key.Value(ctx)
	if err != nil {
		return endpoint{}, fmt.Errorf("openai: resolve azure key: %w", err)
	}
	return endpoint{
		url:     azureURL(az, path),
		headers: map[string]string{"api-key": azKey},
	}, nil
}

// Generate creates one image from a text prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (domain.GeneratedImage, error) {
	if strings.TrimSpace(prompt) == "" {
		return domain.GeneratedImage{}, errors.New("openai: prompt must not be empty")
	}

	ep, err := c.resolveEndpoint(ctx, "/images/generations")
	if err != nil {
		return domain.GeneratedImage{}, err
	}

	body, err := json.Marshal(generationRequest{Model: ep.model, Prompt: prompt, N: 1, Size: c.size})
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.headers {
		req.Header.Set(k, v)
	}

	return c.doImagesRequest(ctx, req, ep.url)
}

// Transform edits src according to instruction.
func (c *Client) Transform(ctx context.Context, src []byte, contentType, instruction string) (domain.GeneratedImage, error) {
	if len(src) == 0 {
		return domain.GeneratedImage{}, errors.New("openai: source image must not be empty")
	}
	if strings.TrimSpace(instruction) == "" {
		return domain.GeneratedImage{}, errors.New("openai: instruction must not be empty")
	}

	ep, err := c.resolveEndpoint(ctx, "/images/edits")
	if err != nil {
		return domain.GeneratedImage{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if contentType == "" {
		contentType = http.DetectContentType(src)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="image%s"`, extensionFor(contentType)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: create image part: %w", err)
	}
	if _, err := part.Write(src); err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: write image part: %w", err)
	}

	fields := map[string]string{"prompt": instruction, "n": strconv.Itoa(1), "size": c.size}
	if ep.model != "" {
		fields["model"] = ep.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return domain.GeneratedImage{}, fmt.Errorf("openai: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, &buf)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range ep.headers {
		req.Header.Set(k, v)
	}

	return c.doImagesRequest(ctx, req, ep.url)
}

func (c *Client) doImagesRequest(ctx context.Context, req *http.Request, url string) (domain.GeneratedImage, error) {
	raw, err := c.do(req, url)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload imagesResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: decode response: %w: %v", domain.ErrMalformedResponse, err)
	}
	if len(payload.Data) == 0 {
		return domain.GeneratedImage{}, fmt.Errorf("openai: no images in response: %w", domain.ErrMalformedResponse)
	}

	img := payload.Data[0]
	switch {
	case img.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return domain.GeneratedImage{}, fmt.Errorf("openai: decode b64_json: %w: %v", domain.ErrMalformedResponse, err)
		}
		return domain.GeneratedImage{Data: data, ContentType: http.DetectContentType(data)}, nil
	case img.URL != "":
		return c.fetchImage(ctx, img.URL)
	default:
		return domain.GeneratedImage{}, fmt.Errorf("openai: image has neither url nor b64_json: %w", domain.ErrMalformedResponse)
	}
}

// fetchImage downloads a hosted result image.
func (c *Client) fetchImage(ctx context.Context, imageURL string) (domain.GeneratedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: create image request: %w", err)
	}
	data, err := c.do(req, imageURL)
	if err != nil {
		return domain.GeneratedImage{}, fmt.Errorf("openai: fetch image: %w", err)
	}
	if len(data) == 0 {
		return domain.GeneratedImage{}, fmt.Errorf("openai: fetched image is empty: %w", domain.ErrMalformedResponse)
	}
	return domain.GeneratedImage{Data: data, ContentType: http.DetectContentType(data)}, nil
}

func (c *Client) do(req *http.Request, url string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, imageBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
