package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"aivr-agent/internal/usecase"
)

var _ lambda.Handler = (*Handler)(nil)

// Invoke is the raw Lambda entrypoint. A job envelope is a worker invocation
// queued by WithJobQueue; anything else is an API Gateway proxy event.
func (h *Handler) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	var envelope jobEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Job != nil {
		h.Work(ctx, *envelope.Job)
		return []byte("{}"), nil
	}

	var event events.APIGatewayProxyRequest
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("handler: decode proxy event: %w", err)
	}
	resp, err := h.Handle(ctx, event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Handle serves an API Gateway proxy event. Webhook work goes to the job
// queue when one is configured, so the ack returns at once. Whatever did run
// on the dispatcher is drained before returning because the runtime freezes
// the process between invocations.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			resp := jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body_encoding"})
			return toProxyResponse(resp), nil
		}
		body = decoded
	}

	resp := h.Serve(ctx, Request{
		Method:  event.HTTPMethod,
		Path:    event.Path,
		Headers: event.Headers,
		Query:   event.QueryStringParameters,
		Body:    body,
	})

	if err := h.dispatcher.Wait(ctx); err != nil {
		h.logger.ErrorContext(ctx, "detached work still running at end of invocation", "err", err)
	}
	return toProxyResponse(resp), nil
}

func toProxyResponse(resp Response) events.APIGatewayProxyResponse {
	out := events.APIGatewayProxyResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
	}
	if isTextual(resp.Headers["Content-Type"]) {
		out.Body = string(resp.Body)
		return out
	}
	out.Body = base64.StdEncoding.EncodeToString(resp.Body)
	out.IsBase64Encoded = true
	return out
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.HasPrefix(ct, "text/") || strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "application/xml")
}
