package usecase

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strings"

	"aivr-agent/internal/blob"
	"aivr-agent/internal/domain"
)

const (
	defaultMediaBody = "Here's your image! 🎉"
	maxPromptLen     = 4000
)

type SendMediaInput struct {
	To       string
	MediaURL string
	Body     string
}

type SendMediaOutput struct {
	MessageID string
}

type GenerateInput struct {
	Prompt string
}

type GenerateOutput struct {
	URL      string
	Filename string
}

type LookupOutput struct {
	Key   string
	Value string
}

// Authorize checks key against the configured API key. Without a configured
// key the API operations are disabled.
func (s *ConversationService) Authorize(ctx context.Context, key string) error {
	if s.apiKey == nil {
		return newError(ErrorConfiguration, "api_key_not_configured", domain.ErrNotConfigured)
	}
	want, err := s.apiKey.Value(ctx)
	if err != nil {
		return upstreamError(ErrorInternal, "api_key_lookup_error", err)
	}
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
		return newError(ErrorUnauthorized, "api_key_mismatch", nil)
	}
	return nil
}

// SendMedia sends an existing media URL to a number and tracks the file it
// references for cleanup on delivery.
func (s *ConversationService) SendMedia(ctx context.Context, in SendMediaInput) (SendMediaOutput, error) {
	to := strings.TrimSpace(in.To)
	if to == "" {
		return SendMediaOutput{}, newError(ErrorInvalidInput, "missing_to", nil)
	}
	mediaURL := strings.TrimSpace(in.MediaURL)
	if !validHTTPURL(mediaURL) {
		return SendMediaOutput{}, newError(ErrorInvalidInput, "invalid_url", nil)
	}
	body := strings.TrimSpace(in.Body)
	if body == "" {
		body = defaultMediaBody
	}

	sid, err := s.sendMedia(ctx, to, body, []string{mediaURL})
	if err != nil {
		return SendMediaOutput{}, upstreamError(ErrorUpstream, reasonSendMedia, err)
	}
	return SendMediaOutput{MessageID: sid}, nil
}

// GenerateImage creates and stores an image for the prompt and returns the
// URL it is served from.
func (s *ConversationService) GenerateImage(ctx context.Context, in GenerateInput) (GenerateOutput, error) {
	prompt, uerr := validPrompt(in.Prompt)
	if uerr != nil {
		return GenerateOutput{}, uerr
	}
	name, uerr := s.createImage(ctx, prompt)
	if uerr != nil {
		return GenerateOutput{}, uerr
	}
	return GenerateOutput{URL: blob.MediaURL(s.cfg.PublicBaseURL, name), Filename: name}, nil
}

// GenerateAndSend creates an image for the prompt and sends it to a number
// outside of any conversation. Session fields are not touched.
func (s *ConversationService) GenerateAndSend(ctx context.Context, to, prompt string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return newError(ErrorInvalidInput, "missing_to", nil)
	}
	prompt, uerr := validPrompt(prompt)
	if uerr != nil {
		return uerr
	}
	name, uerr := s.createImage(ctx, prompt)
	if uerr != nil {
		return uerr
	}
	if uerr := s.deliver(ctx, to, replyGenerated, name); uerr != nil {
		return uerr
	}
	return nil
}

// Lookup returns the live entry stored under key. Expired and missing
// entries are both reported as not found.
func (s *ConversationService) Lookup(ctx context.Context, key string) (LookupOutput, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return LookupOutput{}, newError(ErrorInvalidInput, "missing_id", nil)
	}
	if s.records == nil {
		return LookupOutput{}, newError(ErrorConfiguration, "records_not_configured", domain.ErrNotConfigured)
	}
	value, ok, err := s.records.Get(ctx, key)
	if err != nil {
		return LookupOutput{}, newError(ErrorStorage, "record_read_error", err)
	}
	if !ok {
		return LookupOutput{}, newError(ErrorNotFound, "record_not_found", nil)
	}
	return LookupOutput{Key: key, Value: value}, nil
}

func validPrompt(raw string) (string, *Error) {
	prompt := strings.TrimSpace(raw)
	if prompt == "" {
		return "", newError(ErrorInvalidInput, "missing_prompt", nil)
	}
	if len(prompt) > maxPromptLen {
		return "", newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	return prompt, nil
}

func validHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
