// Package twilio sends WhatsApp messages, downloads inbound media and checks
// webhook signatures through the Twilio REST API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	twiliogo "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"aivr-agent/internal/domain"
)

const (
	channelPrefix  = "whatsapp:"
	mediaBodyLimit = 20 << 20
)

// SecretSource yields the auth token. It reports domain.ErrNotConfigured
// when the token is absent.
type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// messagesAPI is the subset of the Twilio v2010 API used by Client.
// *openapi.ApiService satisfies this interface.
type messagesAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// HTTPStatusError captures non-2xx media download responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	accountSID string
	from       string
	token      SecretSource
	httpClient *http.Client

	mu  sync.Mutex
	api messagesAPI
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMessagesAPI replaces the REST client built from the credentials.
func WithMessagesAPI(api messagesAPI) Option {
	return func(c *Client) {
		c.api = api
	}
}

// New creates a Client sending from the given WhatsApp number. The REST
// client is built on first use, once the auth token resolves.
func New(accountSID, from string, token SecretSource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("twilio: token source must not be nil")
	}
	c := &Client{
		accountSID: strings.TrimSpace(accountSID),
		from:       strings.TrimSpace(from),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address adds the WhatsApp channel prefix to a bare phone number.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, channelPrefix) {
		return number
	}
	return channelPrefix + number
}

// StripAddress removes the WhatsApp channel prefix.
func StripAddress(address string) string {
	return strings.TrimPrefix(strings.TrimSpace(address), channelPrefix)
}

func (c *Client) credentials(ctx context.Context) (string, error) {
	if c.accountSID == "" {
		return "", fmt.Errorf("twilio: account sid: %w", domain.ErrNotConfigured)
	}
	token, err := c.token.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("twilio: auth token: %w", err)
	}
	return token, nil
}

func (c *Client) messages(ctx context.Context) (messagesAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.api != nil {
		return c.api, nil
	}
	token, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: c.accountSID,
		Password: token,
	})
	c.api = rest.Api
	return c.api, nil
}

// Send delivers msg and returns the provider message id.
func (c *Client) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	if strings.TrimSpace(msg.To) == "" {
		return "", errors.New("twilio: recipient must not be empty")
	}
	if c.from == "" {
		return "", fmt.Errorf("twilio: sender number: %w", domain.ErrNotConfigured)
	}
	api, err := c.messages(ctx)
	if err != nil {
		return "", err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(Address(msg.To))
	params.SetFrom(Address(c.from))
	if msg.ContentSID != "" {
		params.SetContentSid(msg.ContentSID)
	}
	if msg.Body != "" {
		params.SetBody(msg.Body)
	}
	if len(msg.MediaURLs) > 0 {
		params.SetMediaUrl(msg.MediaURLs)
	}
	if msg.StatusCallback != "" {
		params.SetStatusCallback(msg.StatusCallback)
	}

	resp, err := api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: CreateMessage: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("twilio: CreateMessage returned no sid: %w", domain.ErrMalformedResponse)
	}
	return *resp.Sid, nil
}

// DownloadMedia fetches an inbound attachment with account credentials.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	token, err := c.credentials(ctx)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("twilio: create media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("twilio: download media: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, "", &HTTPStatusError{StatusCode: res.StatusCode, URL: mediaURL}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, mediaBodyLimit))
	if err != nil {
		return nil, "", fmt.Errorf("twilio: read media: %w", err)
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}

// ValidateSignature checks the X-Twilio-Signature of a webhook request made
// to url with the given form params.
func (c *Client) ValidateSignature(ctx context.Context, url string, params map[string]string, signature string) (bool, error) {
	if signature == "" {
		return false, nil
	}
	token, err := c.token.Value(ctx)
	if err != nil {
		return false, fmt.Errorf("twilio: auth token: %w", err)
	}
	validator := twclient.NewRequestValidator(token)
	return validator.Validate(url, params, signature), nil
}
