package domain

import "strings"

// InboundMessage is a user message delivered by the messaging webhook.
type InboundMessage struct {
	MessageID        string
	From             string
	Body             string
	NumMedia         int
	MediaURL         string
	MediaContentType string
}

// HasText reports whether the message carries usable text.
func (m InboundMessage) HasText() bool {
	return strings.TrimSpace(m.Body) != ""
}

// HasMedia reports whether the message carries at least one attachment.
func (m InboundMessage) HasMedia() bool {
	return m.NumMedia > 0 && m.MediaURL != ""
}

// OutboundMessage is a reply sent through the messaging provider.
type OutboundMessage struct {
	To             string
	Body           string
	MediaURLs      []string
	ContentSID     string
	StatusCallback string
}

// DeliveryStatus is the payload of a message status callback.
type DeliveryStatus struct {
	MessageID string
	Status    string
	MediaURLs []string
}

// StatusDelivered is the only status that confirms the recipient received a message.
const StatusDelivered = "delivered"

// GeneratedImage is an image produced by the generation backend, already
// resolved to bytes.
type GeneratedImage struct {
	Data        []byte
	ContentType string
}
