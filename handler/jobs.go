package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aivr-agent/internal/domain"
	"aivr-agent/internal/observability"
)

// Job kinds double as task names on the in-process dispatcher.
const (
	jobInbound         = "conversation.inbound"
	jobStatus          = "mediatrack.status"
	jobGenerateAndSend = "conversation.generate_and_send"
)

// Job is webhook work that runs after the response has been sent.
type Job struct {
	Kind          string                 `json:"kind"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Inbound       *domain.InboundMessage `json:"inbound,omitempty"`
	Status        *domain.DeliveryStatus `json:"status,omitempty"`
	To            string                 `json:"to,omitempty"`
	Prompt        string                 `json:"prompt,omitempty"`
}

// jobEnvelope is the payload handed to a JobQueue. The key marks a worker
// invocation apart from an API Gateway event.
type jobEnvelope struct {
	Job *Job `json:"aivr_job"`
}

// JobQueue hands a serialized job to another process, which later passes the
// payload back to Invoke.
type JobQueue interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// WithJobQueue sends webhook work to q instead of running it in-process. A
// failed enqueue falls back to the dispatcher.
func WithJobQueue(q JobQueue) Option {
	return func(h *Handler) {
		h.queue = q
	}
}

func (h *Handler) submit(ctx context.Context, job Job) {
	if h.queue != nil {
		job.CorrelationID = observability.CorrelationID(ctx)
		payload, err := json.Marshal(jobEnvelope{Job: &job})
		if err == nil {
			err = h.queue.Enqueue(ctx, payload)
		}
		if err == nil {
			return
		}
		h.logger.ErrorContext(ctx, "failed to enqueue job, running in-process", "kind", job.Kind, "err", err)
	}

	h.dispatcher.Go(ctx, job.Kind, func(ctx context.Context) error {
		return h.runJob(ctx, job)
	})
}

// Work runs a job handed off by a JobQueue and waits for anything it
// detached. Failures are logged and not returned, so an asynchronous
// invocation is not retried into a second reply.
func (h *Handler) Work(ctx context.Context, job Job) {
	if job.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, job.CorrelationID)
	}
	if err := h.runJob(ctx, job); err != nil {
		h.logger.ErrorContext(ctx, "job failed", "kind", job.Kind, "err", err)
	}
	if err := h.dispatcher.Wait(ctx); err != nil {
		h.logger.ErrorContext(ctx, "detached work still running at end of job", "kind", job.Kind, "err", err)
	}
}

func (h *Handler) runJob(ctx context.Context, job Job) error {
	switch job.Kind {
	case jobInbound:
		if job.Inbound == nil {
			return errors.New("handler: inbound job without message")
		}
		h.conversation.HandleInbound(ctx, *job.Inbound)
		return nil
	case jobStatus:
		if job.Status == nil {
			return errors.New("handler: status job without status")
		}
		return h.status.HandleStatus(ctx, job.Status.MessageID, job.Status.Status)
	case jobGenerateAndSend:
		return h.conversation.GenerateAndSend(ctx, job.To, job.Prompt)
	default:
		return fmt.Errorf("handler: unknown job kind %q", job.Kind)
	}
}
