package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"aivr-agent/internal/blob"
	"aivr-agent/internal/domain"
	"aivr-agent/internal/mediatrack"
)

const (
	defaultGreetedTTL = time.Hour
	defaultStyleTTL   = time.Hour

	statusCallbackPath = "/status-webhook"
)

const (
	reasonSessionRead   = "session_read_error"
	reasonSessionWrite  = "session_write_error"
	reasonReply         = "reply_error"
	reasonMediaDownload = "media_download_error"
	reasonSourceRead    = "source_read_error"
	reasonGeneration    = "generation_error"
	reasonTransform     = "transform_error"
	reasonComposite     = "composite_error"
	reasonStore         = "store_error"
	reasonSendMedia     = "send_media_error"
)

// Action is the branch of the state machine a turn took.
type Action string

const (
	ActionGreet           Action = "greet"
	ActionRequestPrompt   Action = "request_prompt"
	ActionRequestStyle    Action = "request_style"
	ActionRequestReupload Action = "request_reupload"
	ActionGenerate        Action = "generate"
	ActionTransform       Action = "transform"
	ActionFailed          Action = "failed"
)

type SessionStore interface {
	IsGreeted(ctx context.Context, userID string) (bool, error)
	MarkGreeted(ctx context.Context, userID string, ttl time.Duration) error
	ClearGreeted(ctx context.Context, userID string) error
	IsAwaitingStyle(ctx context.Context, userID string) (bool, error)
	SetAwaitingStyle(ctx context.Context, userID string, ttl time.Duration) error
	ClearAwaitingStyle(ctx context.Context, userID string) error
	PendingImagePath(ctx context.Context, userID string) (string, error)
	SetPendingImagePath(ctx context.Context, userID, path string, ttl time.Duration) error
	ClearPendingImagePath(ctx context.Context, userID string) error
}

type MediaRecorder interface {
	RecordPendingMedia(ctx context.Context, messageID string, filenames []string, ttl time.Duration) error
}

type Messenger interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (string, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
}

type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (domain.GeneratedImage, error)
	Transform(ctx context.Context, src []byte, contentType, instruction string) (domain.GeneratedImage, error)
}

type Compositor interface {
	Apply(ctx context.Context, img domain.GeneratedImage) (domain.GeneratedImage, error)
}

type SecretSource interface {
	Value(ctx context.Context) (string, error)
}

// RecordReader reads raw entries from the expiring key/value store.
type RecordReader interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Deps are the collaborators of ConversationService. Compositor, APIKey and
// Records are optional.
type Deps struct {
	Sessions   SessionStore
	Media      MediaRecorder
	Blobs      blob.Store
	Messenger  Messenger
	Images     ImageGenerator
	Compositor Compositor
	APIKey     SecretSource
	Records    RecordReader
	Logger     *slog.Logger
}

type Config struct {
	PublicBaseURL    string
	StyleTemplateSID string
	GreetedTTL       time.Duration
	StyleTTL         time.Duration
	MediaTTL         time.Duration
}

// ConversationService drives the per-user WhatsApp conversation. Session
// fields are read and written without locking; concurrent turns for one
// user resolve last-write-wins.
type ConversationService struct {
	sessions   SessionStore
	media      MediaRecorder
	blobs      blob.Store
	messenger  Messenger
	images     ImageGenerator
	compositor Compositor
	apiKey     SecretSource
	records    RecordReader
	logger     *slog.Logger
	cfg        Config
}

func NewConversationService(d Deps, cfg Config) (*ConversationService, error) {
	switch {
	case d.Sessions == nil:
		return nil, errors.New("usecase: session store must not be nil")
	case d.Media == nil:
		return nil, errors.New("usecase: media recorder must not be nil")
	case d.Blobs == nil:
		return nil, errors.New("usecase: blob store must not be nil")
	case d.Messenger == nil:
		return nil, errors.New("usecase: messenger must not be nil")
	case d.Images == nil:
		return nil, errors.New("usecase: image generator must not be nil")
	case d.Logger == nil:
		return nil, errors.New("usecase: logger must not be nil")
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("usecase: public base url must not be empty")
	}
	if cfg.GreetedTTL <= 0 {
		cfg.GreetedTTL = defaultGreetedTTL
	}
	if cfg.StyleTTL <= 0 {
		cfg.StyleTTL = defaultStyleTTL
	}
	if cfg.MediaTTL <= 0 {
		cfg.MediaTTL = mediatrack.DefaultTTL
	}
	return &ConversationService{
		sessions:   d.Sessions,
		media:      d.Media,
		blobs:      d.Blobs,
		messenger:  d.Messenger,
		images:     d.Images,
		compositor: d.Compositor,
		apiKey:     d.APIKey,
		records:    d.Records,
		logger:     d.Logger,
		cfg:        cfg,
	}, nil
}

// HandleInbound runs one conversation turn for msg. Failures are logged and
// answered with an apology where possible; they never reach the caller.
func (s *ConversationService) HandleInbound(ctx context.Context, msg domain.InboundMessage) Action {
	user := strings.TrimSpace(msg.From)
	logger := s.logger.With("user", user, "message_sid", msg.MessageID)

	action, uerr := s.route(ctx, user, msg)
	if uerr != nil {
		logger.ErrorContext(ctx, "conversation turn failed",
			"action", action,
			"code", uerr.Code,
			"reason", uerr.Reason,
			"err", uerr.Err,
		)
		return ActionFailed
	}
	logger.InfoContext(ctx, "conversation turn handled", "action", action)
	return action
}

func (s *ConversationService) route(ctx context.Context, user string, msg domain.InboundMessage) (Action, *Error) {
	awaiting, err := s.sessions.IsAwaitingStyle(ctx, user)
	if err != nil {
		return ActionFailed, s.fail(ctx, user, newError(ErrorStorage, reasonSessionRead, err))
	}
	if awaiting {
		return s.continueStyle(ctx, user, msg)
	}

	if msg.HasMedia() {
		return ActionRequestStyle, s.acceptPhoto(ctx, user, msg)
	}

	greeted, err := s.sessions.IsGreeted(ctx, user)
	if err != nil {
		return ActionFailed, s.fail(ctx, user, newError(ErrorStorage, reasonSessionRead, err))
	}
	if !greeted {
		return ActionGreet, s.greet(ctx, user)
	}

	if !msg.HasText() {
		return ActionRequestPrompt, s.reply(ctx, user, replyAskPrompt)
	}
	return ActionGenerate, s.generate(ctx, user, strings.TrimSpace(msg.Body))
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

func (s *ConversationService) continueStyle(ctx context.Context, user string, msg domain.InboundMessage) (Action, *Error) {
	path, err := s.sessions.PendingImagePath(ctx, user)
	if err != nil {
		return ActionFailed, s.fail(ctx, user, newError(ErrorStorage, reasonSessionRead, err))
	}

	exists := false
	if path != "" {
		exists, err = s.blobs.Exists(ctx, path)
		if err != nil {
			return ActionFailed, s.fail(ctx, user, newError(ErrorStorage, reasonSourceRead, err))
		}
	}
	if !exists {
		if err := s.clearStyleState(ctx, user); err != nil {
			s.logger.WarnContext(ctx, "failed to clear style state", "user", user, "err", err)
		}
		return ActionRequestReupload, s.reply(ctx, user, replyReupload)
	}

	if !msg.HasText() {
		return ActionRequestStyle, s.sendStylePrompt(ctx, user)
	}
	return ActionTransform, s.transform(ctx, user, path, ClassifyStyle(msg.Body))
}

func (s *ConversationService) acceptPhoto(ctx context.Context, user string, msg domain.InboundMessage) *Error {
	data, ct, err := s.messenger.DownloadMedia(ctx, msg.MediaURL)
	if err != nil {
		return s.fail(ctx, user, upstreamError(ErrorUpstream, reasonMediaDownload, err))
	}
	if msg.MediaContentType != "" {
		ct = msg.MediaContentType
	}

	name, err := s.blobs.Save(ctx, data, ct)
	if err != nil {
		return s.fail(ctx, user, newError(ErrorStorage, reasonStore, err))
	}

	// The path is written before the flag so a visible flag always has a path.
	if err := s.sessions.SetPendingImagePath(ctx, user, name, s.cfg.StyleTTL); err != nil {
		return s.fail(ctx, user, newError(ErrorStorage, reasonSessionWrite, err))
	}
	if err := s.sessions.SetAwaitingStyle(ctx, user, s.cfg.StyleTTL); err != nil {
		return s.fail(ctx, user, newError(ErrorStorage, reasonSessionWrite, err))
	}
	return s.sendStylePrompt(ctx, user)
}

func (s *ConversationService) greet(ctx context.Context, user string) *Error {
	if err := s.reply(ctx, user, replyWelcome); err != nil {
		return err
	}
	// The welcome already went out, so no apology follows a failed mark. The
	// user stays new and is welcomed again on their next message.
	if err := s.sessions.MarkGreeted(ctx, user, s.cfg.GreetedTTL); err != nil {
		return newError(ErrorStorage, reasonSessionWrite, err)
	}
	return nil
}

func (s *ConversationService) generate(ctx context.Context, user, prompt string) *Error {
	if err := s.reply(ctx, user, replyGenerating); err != nil {
		return s.fail(ctx, user, err)
	}

	name, uerr := s.createImage(ctx, prompt)
	if uerr != nil {
		return s.fail(ctx, user, uerr)
	}
	if uerr := s.deliver(ctx, user, replyGenerated, name); uerr != nil {
		return s.fail(ctx, user, uerr)
	}

	// Resetting the greeting restarts the cycle on the next message.
	if err := s.sessions.ClearGreeted(ctx, user); err != nil {
		s.logger.WarnContext(ctx, "failed to clear greeted flag", "user", user, "err", err)
	}
	return nil
}

func (s *ConversationService) transform(ctx context.Context, user, path string, choice StyleChoice) *Error {
	if err := s.reply(ctx, user, transformingReply(choice)); err != nil {
		return s.fail(ctx, user, err)
	}

	src, ct, err := s.blobs.Read(ctx, path)
	if err != nil {
		return s.fail(ctx, user, newError(ErrorStorage, reasonSourceRead, err))
	}
	img, err := s.images.Transform(ctx, src, ct, choice.Instruction)
	if err != nil {
		return s.fail(ctx, user, upstreamError(ErrorUpstream, reasonTransform, err))
	}
	name, err := s.blobs.Save(ctx, img.Data, img.ContentType)
	if err != nil {
		return s.fail(ctx, user, newError(ErrorStorage, reasonStore, err))
	}
	if uerr := s.deliver(ctx, user, replyTransformed, name); uerr != nil {
		return s.fail(ctx, user, uerr)
	}

	if err := s.clearStyleState(ctx, user); err != nil {
		s.logger.WarnContext(ctx, "failed to clear style state", "user", user, "err", err)
	}
	if err := s.blobs.Delete(ctx, path); err != nil {
		s.logger.WarnContext(ctx, "failed to delete uploaded photo", "user", user, "file", path, "err", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// createImage generates an image for prompt, applies the mask and stores the
// result under a fresh blob name.
func (s *ConversationService) createImage(ctx context.Context, prompt string) (string, *Error) {
	img, err := s.images.Generate(ctx, prompt)
	if err != nil {
		return "", upstreamError(ErrorUpstream, reasonGeneration, err)
	}
	if s.compositor != nil {
		img, err = s.compositor.Apply(ctx, img)
		if err != nil {
			return "", newError(ErrorInternal, reasonComposite, err)
		}
	}
	name, err := s.blobs.Save(ctx, img.Data, img.ContentType)
	if err != nil {
		return "", newError(ErrorStorage, reasonStore, err)
	}
	return name, nil
}

// deliver sends the stored file name to user. The file is removed again when
// the message cannot be sent.
func (s *ConversationService) deliver(ctx context.Context, user, body, name string) *Error {
	if _, err := s.sendMedia(ctx, user, body, []string{blob.MediaURL(s.cfg.PublicBaseURL, name)}); err != nil {
		if derr := s.blobs.Delete(ctx, name); derr != nil {
			s.logger.WarnContext(ctx, "failed to delete undelivered media", "file", name, "err", derr)
		}
		return upstreamError(ErrorUpstream, reasonSendMedia, err)
	}
	return nil
}

// sendMedia sends mediaURLs with a status callback and records the files they
// reference so delivery can clean them up.
func (s *ConversationService) sendMedia(ctx context.Context, to, body string, mediaURLs []string) (string, error) {
	sid, err := s.messenger.Send(ctx, domain.OutboundMessage{
		To:             to,
		Body:           body,
		MediaURLs:      mediaURLs,
		StatusCallback: s.cfg.PublicBaseURL + statusCallbackPath,
	})
	if err != nil {
		return "", err
	}

	var names []string
	for _, u := range mediaURLs {
		if name, ok := blob.FilenameFromURL(u); ok {
			names = append(names, name)
		}
	}
	// The message is already out, so a missing record only delays cleanup.
	if err := s.media.RecordPendingMedia(ctx, sid, names, s.cfg.MediaTTL); err != nil {
		s.logger.WarnContext(ctx, "failed to record pending media", "message_sid", sid, "files", names, "err", err)
	}
	return sid, nil
}

func (s *ConversationService) sendStylePrompt(ctx context.Context, user string) *Error {
	msg := domain.OutboundMessage{To: user}
	if s.cfg.StyleTemplateSID != "" {
		msg.ContentSID = s.cfg.StyleTemplateSID
	} else {
		msg.Body = styleMenu()
	}
	if _, err := s.messenger.Send(ctx, msg); err != nil {
		return upstreamError(ErrorUpstream, reasonReply, err)
	}
	return nil
}

func (s *ConversationService) reply(ctx context.Context, user, body string) *Error {
	if _, err := s.messenger.Send(ctx, domain.OutboundMessage{To: user, Body: body}); err != nil {
		return upstreamError(ErrorUpstream, reasonReply, err)
	}
	return nil
}

// fail sends the apology for e and returns e. A failed apology is only logged.
func (s *ConversationService) fail(ctx context.Context, user string, e *Error) *Error {
	if e.Reason == reasonReply {
		return e
	}
	if _, err := s.messenger.Send(ctx, domain.OutboundMessage{To: user, Body: apologyFor(e)}); err != nil {
		s.logger.WarnContext(ctx, "failed to send apology", "user", user, "err", err)
	}
	return e
}

func (s *ConversationService) clearStyleState(ctx context.Context, user string) error {
	return errors.Join(
		s.sessions.ClearAwaitingStyle(ctx, user),
		s.sessions.ClearPendingImagePath(ctx, user),
	)
}
