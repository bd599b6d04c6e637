package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"aivr-agent/internal/blob"
	"aivr-agent/internal/domain"
	"aivr-agent/internal/observability"
	"aivr-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	signatureHeader   = "X-Twilio-Signature"

	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

	mediaCacheControl = "public, max-age=3600"
	maxMediaSlots     = 10
)

type Conversation interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage) usecase.Action
	Authorize(ctx context.Context, key string) error
	SendMedia(ctx context.Context, in usecase.SendMediaInput) (usecase.SendMediaOutput, error)
	GenerateImage(ctx context.Context, in usecase.GenerateInput) (usecase.GenerateOutput, error)
	GenerateAndSend(ctx context.Context, to, prompt string) error
	Lookup(ctx context.Context, key string) (usecase.LookupOutput, error)
}

type StatusTracker interface {
	HandleStatus(ctx context.Context, messageID, status string) error
}

type MediaReader interface {
	Read(ctx context.Context, name string) ([]byte, string, error)
}

// Dispatcher runs work after the response has been produced.
type Dispatcher interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
	Wait(ctx context.Context) error
}

type SignatureValidator interface {
	ValidateSignature(ctx context.Context, url string, params map[string]string, signature string) (bool, error)
}

// Request is a transport-neutral HTTP request.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
}

func (r Request) header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Response is a transport-neutral HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type Handler struct {
	conversation Conversation
	status       StatusTracker
	media        MediaReader
	dispatcher   Dispatcher
	logger       *slog.Logger

	validator SignatureValidator
	publicURL string
	queue     JobQueue
}

type Option func(*Handler)

// WithSignatureValidation rejects webhook calls whose Twilio signature does
// not match publicURL plus the request path.
func WithSignatureValidation(v SignatureValidator, publicURL string) Option {
	return func(h *Handler) {
		h.validator = v
		h.publicURL = strings.TrimRight(publicURL, "/")
	}
}

func NewHandler(c Conversation, s StatusTracker, m MediaReader, d Dispatcher, logger *slog.Logger, opts ...Option) (*Handler, error) {
	switch {
	case c == nil:
		return nil, errors.New("handler: conversation must not be nil")
	case s == nil:
		return nil, errors.New("handler: status tracker must not be nil")
	case m == nil:
		return nil, errors.New("handler: media reader must not be nil")
	case d == nil:
		return nil, errors.New("handler: dispatcher must not be nil")
	case logger == nil:
		return nil, errors.New("handler: logger must not be nil")
	}
	h := &Handler{conversation: c, status: s, media: m, dispatcher: d, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type messageResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageSid,omitempty"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type lookupResponse struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Serve routes req. Paths may carry an "/api" prefix.
func (h *Handler) Serve(ctx context.Context, req Request) Response {
	corrID := strings.TrimSpace(req.header(correlationHeader))
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = observability.WithCorrelationID(ctx, corrID)

	resp := h.route(ctx, req)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = corrID
	return resp
}

func (h *Handler) route(ctx context.Context, req Request) Response {
	p := req.Path
	if strings.HasPrefix(p, "/api/") {
		p = strings.TrimPrefix(p, "/api")
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}

	if p == "/healthz" {
		return jsonResponse(http.StatusOK, map[string]string{"status": "ok"})
	}
	if name, ok := strings.CutPrefix(p, "/media/"); ok {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return methodNotAllowed()
		}
		return h.serveMedia(ctx, name, req.Method == http.MethodHead)
	}

	var serve func(context.Context, Request) Response
	switch p {
	case "/webhook":
		serve = h.inbound
	case "/status-webhook":
		serve = h.statusCallback
	case "/message":
		serve = h.sendMessage
	case "/generate":
		serve = h.generate
	case "/aivr":
		serve = h.generateAndSend
	case "/poll":
		serve = h.lookup
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)})
	}

	switch {
	case req.Method == http.MethodPost && p != "/poll":
	case req.Method == http.MethodGet && (p == "/aivr" || p == "/poll"):
	default:
		return methodNotAllowed()
	}
	return serve(ctx, req)
}

// ---------------------------------------------------------------------------
// Twilio webhooks
// ---------------------------------------------------------------------------

func (h *Handler) inbound(ctx context.Context, req Request) Response {
	form, resp, ok := h.webhookForm(ctx, req)
	if !ok {
		return resp
	}

	from := strings.TrimPrefix(strings.TrimSpace(form.Get("From")), "whatsapp:")
	if from == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_from"})
	}
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	msg := domain.InboundMessage{
		MessageID:        form.Get("MessageSid"),
		From:             from,
		Body:             strings.TrimSpace(form.Get("Body")),
		NumMedia:         numMedia,
		MediaURL:         form.Get("MediaUrl0"),
		MediaContentType: form.Get("MediaContentType0"),
	}
	h.logger.InfoContext(ctx, "inbound message",
		"user", msg.From,
		"message_sid", msg.MessageID,
		"num_media", msg.NumMedia,
	)

	h.submit(ctx, Job{Kind: jobInbound, Inbound: &msg})
	return twimlAck()
}

func (h *Handler) statusCallback(ctx context.Context, req Request) Response {
	form, resp, ok := h.webhookForm(ctx, req)
	if !ok {
		return resp
	}

	sid := strings.TrimSpace(form.Get("MessageSid"))
	if sid == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_message_sid"})
	}
	status := domain.DeliveryStatus{MessageID: sid, Status: strings.TrimSpace(form.Get("MessageStatus"))}
	for i := 0; i < maxMediaSlots; i++ {
		if u := form.Get("MediaUrl" + strconv.Itoa(i)); u != "" {
			status.MediaURLs = append(status.MediaURLs, u)
		}
	}
	h.logger.InfoContext(ctx, "message status", "message_sid", status.MessageID, "status", status.Status, "media", len(status.MediaURLs))

	h.submit(ctx, Job{Kind: jobStatus, Status: &status})
	return twimlAck()
}

// webhookForm parses the form body and checks the Twilio signature when
// validation is enabled. The signature covers the path as Twilio called it.
func (h *Handler) webhookForm(ctx context.Context, req Request) (url.Values, Response, bool) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_form"}), false
	}
	if h.validator == nil {
		return form, Response{}, true
	}

	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	valid, err := h.validator.ValidateSignature(ctx, h.publicURL+req.Path, params, req.header(signatureHeader))
	if err != nil {
		h.logger.ErrorContext(ctx, "signature validation failed", "err", err)
		return nil, jsonResponse(http.StatusServiceUnavailable, errorResponse{Error: string(usecase.ErrorConfiguration)}), false
	}
	if !valid {
		h.logger.WarnContext(ctx, "rejected webhook with invalid signature", "path", req.Path)
		return nil, jsonResponse(http.StatusForbidden, errorResponse{Error: string(usecase.ErrorUnauthorized), Reason: "invalid_signature"}), false
	}
	return form, Response{}, true
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func (h *Handler) serveMedia(ctx context.Context, name string, head bool) Response {
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if !blob.ValidName(name) {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)})
	}

	data, ct, err := h.media.Read(ctx, name)
	if errors.Is(err, blob.ErrNotFound) {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound)})
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read media", "file", name, "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorStorage)})
	}

	resp := Response{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":   ct,
			"Content-Length": strconv.Itoa(len(data)),
			"Cache-Control":  mediaCacheControl,
		},
	}
	if !head {
		resp.Body = data
	}
	return resp
}

// ---------------------------------------------------------------------------
// API-key operations
// ---------------------------------------------------------------------------

func (h *Handler) sendMessage(ctx context.Context, req Request) Response {
	if err := h.conversation.Authorize(ctx, req.Query["api_key"]); err != nil {
		return h.errorResponse(ctx, err)
	}
	out, err := h.conversation.SendMedia(ctx, usecase.SendMediaInput{
		To:       req.Query["to"],
		MediaURL: req.Query["url"],
		Body:     req.Query["body"],
	})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, messageResponse{Status: "complete", MessageID: out.MessageID})
}

func (h *Handler) generate(ctx context.Context, req Request) Response {
	if err := h.conversation.Authorize(ctx, req.Query["api_key"]); err != nil {
		return h.errorResponse(ctx, err)
	}
	var in generateRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_json"})
	}
	out, err := h.conversation.GenerateImage(ctx, usecase.GenerateInput{Prompt: in.Prompt})
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, generateResponse{URL: out.URL, Filename: out.Filename})
}

func (h *Handler) generateAndSend(ctx context.Context, req Request) Response {
	if err := h.conversation.Authorize(ctx, req.Query["api_key"]); err != nil {
		return h.errorResponse(ctx, err)
	}
	prompt := strings.TrimSpace(req.Query["prompt"])
	to := strings.TrimSpace(req.Query["to"])
	if prompt == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_prompt"})
	}
	if to == "" {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "missing_to"})
	}

	h.submit(ctx, Job{Kind: jobGenerateAndSend, To: to, Prompt: prompt})
	return jsonResponse(http.StatusOK, map[string]string{"message": "Image generation started"})
}

func (h *Handler) lookup(ctx context.Context, req Request) Response {
	if err := h.conversation.Authorize(ctx, req.Query["api_key"]); err != nil {
		return h.errorResponse(ctx, err)
	}
	out, err := h.conversation.Lookup(ctx, req.Query["id"])
	if err != nil {
		return h.errorResponse(ctx, err)
	}
	return jsonResponse(http.StatusOK, lookupResponse{ID: out.Key, Value: out.Value})
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func (h *Handler) errorResponse(ctx context.Context, err error) Response {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		h.logger.ErrorContext(ctx, "unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}

	status := statusFor(uerr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "code", uerr.Code, "reason", uerr.Reason, "err", uerr.Err)
	}
	return jsonResponse(status, errorResponse{Error: string(uerr.Code), Reason: uerr.Reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConfiguration:
		return http.StatusServiceUnavailable
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"error":"INTERNAL_ERROR"}`),
		}
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func twimlAck() Response {
	return Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/xml"},
		Body:       []byte(emptyTwiML),
	}
}

func methodNotAllowed() Response {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
}
