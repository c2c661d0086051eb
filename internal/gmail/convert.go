package gmail

import (
	"encoding/base64"
	"log"
	"strings"

	"github.com/matta/threadview/internal/message"

	gmail_api "google.golang.org/api/gmail/v1"
)

// convertMessage projects a provider message into the domain snapshot.
func convertMessage(msg *gmail_api.Message) *message.Message {
	out := &message.Message{
		ID:           message.ID{PermID: msg.Id, ThreadID: msg.ThreadId},
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		LabelIDs:     msg.LabelIds,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			out.SetHeader(h.Name, h.Value)
		}
		out.Body = extractBody(msg.Payload)
	}
	return out
}

// extractBody walks the MIME tree and returns the best displayable
// part, preferring HTML over plain text.
func extractBody(payload *gmail_api.MessagePart) message.Body {
	if part := findPart(payload, "text/html"); part != nil {
		return message.Body{Content: decodePart(part), HTML: true}
	}
	if part := findPart(payload, "text/plain"); part != nil {
		return message.Body{Content: decodePart(part)}
	}
	return message.Body{}
}

func findPart(p *gmail_api.MessagePart, mimeType string) *gmail_api.MessagePart {
	if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" {
		return p
	}
	for _, part := range p.Parts {
		if strings.HasPrefix(strings.ToLower(part.MimeType), "multipart/") ||
			strings.HasPrefix(strings.ToLower(part.MimeType), "text/") {
			if found := findPart(part, mimeType); found != nil {
				return found
			}
		}
	}
	return nil
}

func decodePart(p *gmail_api.MessagePart) string {
	data, err := base64.URLEncoding.DecodeString(p.Body.Data)
	if err != nil {
		log.Printf("Warning: could not decode %s body part: %v", p.MimeType, err)
		return ""
	}
	return string(data)
}
