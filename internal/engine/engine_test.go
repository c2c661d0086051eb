package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/message"
	"github.com/matta/threadview/internal/view"
)

type fakeBroker struct {
	clients int
	valid   bool
	logins  int
	logouts int
}

func (b *fakeBroker) Client(ctx context.Context) (*http.Client, error) {
	b.clients++
	return &http.Client{}, nil
}

func (b *fakeBroker) Login(ctx context.Context) error {
	b.logins++
	b.valid = true
	return nil
}

func (b *fakeBroker) Logout(ctx context.Context) error {
	b.logouts++
	b.valid = false
	return nil
}

func (b *fakeBroker) HasValidToken(ctx context.Context) bool { return b.valid }

type threadModification struct {
	threadID string
	add      []string
	remove   []string
}

type fakeGateway struct {
	mu sync.Mutex

	profile  message.Profile
	messages map[string]*message.Message
	threads  map[string]*message.Thread
	labels   []message.Label

	threadMods []threadModification
	sentRaw    []byte
	sentThread string

	// listGate, when non-nil, blocks ListMessages until the context
	// is done or the gate is closed.
	listGate chan struct{}
	listErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		profile:  message.Profile{Email: "me@y.com", Name: "Me Myself"},
		messages: map[string]*message.Message{},
		threads:  map[string]*message.Thread{},
	}
}

func (g *fakeGateway) ListMessages(ctx context.Context, query string, labelIDs []string, pageToken string, maxResults int64) (gmail.Page, error) {
	g.mu.Lock()
	gate := g.listGate
	err := g.listErr
	g.mu.Unlock()
	if err != nil {
		return gmail.Page{}, err
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return gmail.Page{}, ctx.Err()
		case <-gate:
		}
	}
	return gmail.Page{}, nil
}

func (g *fakeGateway) GetMessage(ctx context.Context, id string, format gmail.Format) (*message.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.messages[id]
	if !ok {
		return nil, gmail.ErrMessageNotFound
	}
	return m, nil
}

func (g *fakeGateway) GetThread(ctx context.Context, id string, format gmail.Format) (*message.Thread, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	th, ok := g.threads[id]
	if !ok {
		return nil, gmail.ErrThreadNotFound
	}
	return th, nil
}

func (g *fakeGateway) ListLabels(ctx context.Context) ([]message.Label, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.labels, nil
}

func (g *fakeGateway) CreateLabel(ctx context.Context, name string) (message.Label, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l := message.Label{ID: "Label_new", Name: name}
	g.labels = append(g.labels, l)
	return l, nil
}

func (g *fakeGateway) ModifyMessage(ctx context.Context, id string, add, remove []string) error {
	return nil
}

func (g *fakeGateway) ModifyThread(ctx context.Context, id string, add, remove []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threadMods = append(g.threadMods, threadModification{threadID: id, add: add, remove: remove})
	return nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, raw []byte, threadID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sentRaw = raw
	g.sentThread = threadID
	return "sent-id", nil
}

func (g *fakeGateway) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return []byte("attachment"), nil
}

func (g *fakeGateway) GetUserInfo(ctx context.Context) (message.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile, nil
}

type testEngine struct {
	*Engine
	broker   *fakeBroker
	gw       *fakeGateway
	connects int
}

func newTestEngine() *testEngine {
	te := &testEngine{broker: &fakeBroker{valid: true}, gw: newFakeGateway()}
	te.Engine = New(te.broker)
	te.Engine.connect = func(ctx context.Context, client *http.Client) (Gateway, error) {
		te.connects++
		return te.gw, nil
	}
	return te
}

func TestSessionIsBuiltOnce(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := te.UserProfile(ctx); err != nil {
			t.Fatalf("UserProfile: %v", err)
		}
	}
	if te.connects != 1 {
		t.Errorf("connects = %d, want 1", te.connects)
	}
	if te.broker.clients != 1 {
		t.Errorf("broker clients = %d, want 1", te.broker.clients)
	}
}

func TestLogoutDropsSession(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	if _, err := te.UserProfile(ctx); err != nil {
		t.Fatalf("UserProfile: %v", err)
	}
	if err := te.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := te.UserProfile(ctx); err != nil {
		t.Fatalf("UserProfile after logout: %v", err)
	}
	if te.connects != 2 {
		t.Errorf("connects = %d, want 2 (session rebuilt after logout)", te.connects)
	}
}

func TestMarkThreadReadWithMessageID(t *testing.T) {
	te := newTestEngine()
	te.gw.messages["m1"] = &message.Message{ID: message.ID{PermID: "m1", ThreadID: "t1"}}

	if err := te.MarkThreadRead(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkThreadRead: %v", err)
	}
	mods := te.gw.threadMods
	if len(mods) != 1 || mods[0].threadID != "t1" {
		t.Fatalf("threadMods = %+v, want one mod on t1", mods)
	}
	if len(mods[0].remove) != 1 || mods[0].remove[0] != message.LabelUnread {
		t.Errorf("remove = %v, want [UNREAD]", mods[0].remove)
	}
	if mods[0].add != nil {
		t.Errorf("add = %v, want none", mods[0].add)
	}
}

func TestMarkThreadReadWithThreadID(t *testing.T) {
	te := newTestEngine()
	// No message named t9 exists, so the id is used as a thread id.
	if err := te.MarkThreadRead(context.Background(), "t9"); err != nil {
		t.Fatalf("MarkThreadRead: %v", err)
	}
	mods := te.gw.threadMods
	if len(mods) != 1 || mods[0].threadID != "t9" {
		t.Fatalf("threadMods = %+v, want one mod on t9", mods)
	}
}

func TestNewerViewRequestSupersedesOlder(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	// Prime the session so both requests race only in the view.
	if _, err := te.UserProfile(ctx); err != nil {
		t.Fatalf("UserProfile: %v", err)
	}

	gate := make(chan struct{})
	te.gw.mu.Lock()
	te.gw.listGate = gate
	te.gw.mu.Unlock()

	firstErr := make(chan error, 1)
	go func() {
		_, err := te.ListInbox(ctx, view.Params{})
		firstErr <- err
	}()

	// Wait for the first request to block inside the gateway.
	time.Sleep(50 * time.Millisecond)

	te.gw.mu.Lock()
	te.gw.listGate = nil
	te.gw.mu.Unlock()
	if _, err := te.ListInbox(ctx, view.Params{}); err != nil {
		t.Fatalf("second ListInbox: %v", err)
	}
	close(gate)

	select {
	case err := <-firstErr:
		if err != context.Canceled {
			t.Errorf("superseded request error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded request never returned")
	}
}

func TestSendReplyDerivesThreadingHeaders(t *testing.T) {
	te := newTestEngine()
	orig := &message.Message{ID: message.ID{PermID: "m1", ThreadID: "t1"}}
	orig.SetHeader("From", `"Jane Doe" <jane@x.com>`)
	orig.SetHeader("Subject", "Hello")
	orig.SetHeader("Message-Id", "<orig@x.com>")
	orig.SetHeader("References", "<root@x.com>")
	te.gw.messages["m1"] = orig

	id, err := te.SendReply(context.Background(), "m1", "<p>thanks</p>")
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if id != "sent-id" {
		t.Errorf("id = %q, want sent-id", id)
	}
	if te.gw.sentThread != "t1" {
		t.Errorf("sent thread = %q, want t1", te.gw.sentThread)
	}
	raw := string(te.gw.sentRaw)
	for _, want := range []string{
		"From: Me Myself <me@y.com>\r\n",
		"To: \"Jane Doe\" <jane@x.com>\r\n",
		"Subject: RE: Hello\r\n",
		"In-Reply-To: <orig@x.com>\r\n",
		"References: <root@x.com> <orig@x.com>\r\n",
		"Content-Type: text/html; charset=\"UTF-8\"\r\n",
		"\r\n\r\n<p>thanks</p>",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("raw message missing %q:\n%s", want, raw)
		}
	}
}

func TestSendReplyWithoutPriorReferences(t *testing.T) {
	te := newTestEngine()
	orig := &message.Message{ID: message.ID{PermID: "m1", ThreadID: "t1"}}
	orig.SetHeader("From", "jane@x.com")
	orig.SetHeader("Subject", "Re: Hello")
	orig.SetHeader("Message-Id", "<orig@x.com>")
	te.gw.messages["m1"] = orig

	if _, err := te.SendReply(context.Background(), "m1", "body"); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	raw := string(te.gw.sentRaw)
	if !strings.Contains(raw, "References: <orig@x.com>\r\n") {
		t.Errorf("References should start from the original Message-ID:\n%s", raw)
	}
	// The existing reply prefix is preserved, not doubled.
	if !strings.Contains(raw, "Subject: Re: Hello\r\n") {
		t.Errorf("Subject should keep the existing prefix:\n%s", raw)
	}
}

func TestReplySubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello", "RE: Hello"},
		{"RE: Hello", "RE: Hello"},
		{"Re: Hello", "Re: Hello"},
		{"re: Hello", "re: Hello"},
		{"  re: Hello", "  re: Hello"},
		{"", "RE: "},
	}
	for _, tc := range cases {
		if got := replySubject(tc.in); got != tc.want {
			t.Errorf("replySubject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
