package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"net/textproto"
	"strings"
)

// System label identifiers assigned by the provider.  These are label
// IDs, not display names.
const (
	LabelUnread = "UNREAD"
	LabelInbox  = "INBOX"
)

// ID defines the properties that uniquely identify a message.
type ID struct {
	// The permanent and unique ID of a message in the provider's
	// storage system.
	PermID string

	// The permanent and unique ID of the thread the message
	// belongs to.
	ThreadID string
}

// Body holds the displayable content extracted from a message.
type Body struct {
	// The decoded message content.
	Content string

	// Whether Content is HTML rather than plain text.
	HTML bool
}

// Message is an immutable snapshot of a single mail message as
// returned by the provider.  Snapshots are fetched on demand and never
// cached across view refreshes.
type Message struct {
	ID

	// RFC 2822 headers keyed by canonical MIME header name.  Use
	// Header for lookups.
	Headers map[string]string

	// A short plain-text excerpt of the message content.
	Snippet string

	// Provider-assigned receive time, milliseconds since the Unix
	// epoch.
	InternalDate int64

	// The current set of label identifiers associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	Body Body
}

// Header returns the value of the named header, or the empty string
// if the message does not carry it.  Lookup is case-insensitive.
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// SetHeader records a header value under its canonical name.
func (m *Message) SetHeader(name, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[textproto.CanonicalMIMEHeaderKey(name)] = value
}

// From returns the From header, which may be a bare address or a
// display-name-plus-address form.
func (m *Message) From() string { return m.Header("From") }

// Subject returns the Subject header.
func (m *Message) Subject() string { return m.Header("Subject") }

// HasLabel reports whether the message carries the given label ID.
func (m *Message) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Unread reports whether the provider still considers the message
// unread.
func (m *Message) Unread() bool { return m.HasLabel(LabelUnread) }

// Thread is an ordered sequence of messages in provider-assigned
// chronological order.  The provider's ordering is authoritative; it
// is never re-sorted by timestamp.
type Thread struct {
	ID       string
	Messages []*Message
}

// Last returns the final message in provider order, or nil for an
// empty thread.  The gateway never emits an empty thread.
func (t *Thread) Last() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// Label maps a provider-assigned label identifier to its user visible
// display name.
type Label struct {
	ID   string
	Name string
}

// Profile defines per-account information for the authenticated user.
type Profile struct {
	Email   string
	Name    string
	Picture string
}

// Summary is the projection of a message shown in list views.
type Summary struct {
	ID       string
	ThreadID string
	Subject  string
	From     string
	Snippet  string
	Body     string
	IsHTML   bool
	// Milliseconds since the Unix epoch.
	Date     int64
	IsUnread bool
}

// Summarize projects a message into its list-view form.
func Summarize(m *Message) Summary {
	return Summary{
		ID:       m.PermID,
		ThreadID: m.ThreadID,
		Subject:  m.Subject(),
		From:     m.From(),
		Snippet:  m.Snippet,
		Body:     m.Body.Content,
		IsHTML:   m.Body.HTML,
		Date:     m.InternalDate,
		IsUnread: m.Unread(),
	}
}

// ContainsAddress reports whether the given From-style header value
// mentions addr, comparing case-insensitively.  An empty header never
// matches, which is the conservative default for classification.
func ContainsAddress(header, addr string) bool {
	if header == "" || addr == "" {
		return false
	}
	return strings.Contains(strings.ToLower(header), strings.ToLower(addr))
}
