package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/matta/threadview/internal/gmail"

	"github.com/pkg/errors"
)

// SendReply composes and sends an HTML reply to the given message,
// deriving the recipient, threaded subject and threading headers from
// the original.  It returns the sent message's provider id.
func (e *Engine) SendReply(ctx context.Context, messageID, htmlBody string) (string, error) {
	s, err := e.session(ctx)
	if err != nil {
		return "", err
	}
	orig, err := s.gw.GetMessage(ctx, messageID, gmail.FormatMetadata)
	if err != nil {
		return "", errors.Wrapf(err, "unable to fetch original message %v", messageID)
	}

	to := orig.From()
	if to == "" {
		return "", errors.Errorf("original message %v has no From header", messageID)
	}

	from := s.profile.Email
	if s.profile.Name != "" {
		from = fmt.Sprintf("%s <%s>", s.profile.Name, s.profile.Email)
	}

	raw := composeReply(from, to, replySubject(orig.Subject()),
		orig.Header("Message-Id"), orig.Header("References"), htmlBody)
	id, err := s.gw.SendMessage(ctx, raw, orig.ThreadID)
	if err != nil {
		return "", errors.Wrap(err, "unable to send reply")
	}
	return id, nil
}

// replySubject prefixes the subject with "RE: " exactly once.  An
// existing reply prefix in any case is preserved as-is.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "RE: " + subject
}

// composeReply assembles the RFC 2822 reply.  origMessageID and
// origReferences come from the original's headers; References gets the
// original's chain plus its Message-ID per RFC 5322 threading.
func composeReply(from, to, subject, origMessageID, origReferences, htmlBody string) []byte {
	var b strings.Builder
	writeHeader := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}
	writeHeader("From", from)
	writeHeader("To", to)
	writeHeader("Subject", subject)
	writeHeader("In-Reply-To", origMessageID)
	refs := origReferences
	if origMessageID != "" {
		if refs != "" {
			refs += " " + origMessageID
		} else {
			refs = origMessageID
		}
	}
	writeHeader("References", refs)
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="UTF-8"`)
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
