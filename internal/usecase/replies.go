package usecase

import (
	"fmt"
	"strings"

	"aivr-agent/internal/domain"
)

const (
	replyWelcome       = "👋 Hello! Welcome to AI Image Generator. What would you like me to generate for you? You can also send me a photo to transform it into a cartoon style."
	replyAskPrompt     = "Please send me a description of what you'd like me to generate!"
	replyGenerating    = "Generating your image... Please wait! 🎨"
	replyGenerated     = "Here's your generated image! 🎉"
	replyTransformed   = "Here's your transformed image! 🎉"
	replyReupload      = "Sorry, I couldn't find the photo you sent earlier. Please send it again."
	replyUnavailable   = "Sorry, there was an error configuring the image generation service. Please try again later."
	replyGenerateError = "Sorry, there was an error generating your image. Please try again."
	replyProcessError  = "Sorry, there was an error processing your image. Please try again."
	replyUploadError   = "Sorry, there was an error uploading your image. Please try again."
)

func transformingReply(choice StyleChoice) string {
	if choice.Matched {
		return fmt.Sprintf("Transforming your photo into %s style... Please wait! 🎨", choice.Style.Name)
	}
	return "Transforming your photo... Please wait! 🎨"
}

// styleMenu is the plain-text style prompt used when no content template is configured.
func styleMenu() string {
	var b strings.Builder
	b.WriteString("📸 Got your photo! Which style would you like?\n")
	for _, st := range domain.Styles {
		fmt.Fprintf(&b, "\n%d. %s", st.Index, st.Name)
	}
	b.WriteString("\n\nReply with a number or a style name, or describe your own style.")
	return b.String()
}

// apologyFor picks the reply sent when a turn fails.
func apologyFor(e *Error) string {
	if e.Code == ErrorConfiguration {
		return replyUnavailable
	}
	switch e.Reason {
	case reasonGeneration:
		return replyGenerateError
	case reasonStore, reasonSendMedia:
		return replyUploadError
	default:
		return replyProcessError
	}
}
