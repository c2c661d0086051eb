// Package engine composes the broker, gateway, classifier views and
// archive controller into the asynchronous surface consumed by the UI
// layer.
package engine

import (
	"context"
	"net/http"
	"sync"

	"github.com/matta/threadview/internal/archive"
	"github.com/matta/threadview/internal/auth"
	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/label"
	"github.com/matta/threadview/internal/message"
	"github.com/matta/threadview/internal/view"

	"github.com/pkg/errors"
)

// Broker owns the account credential.
type Broker interface {
	Client(ctx context.Context) (*http.Client, error)
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	HasValidToken(ctx context.Context) bool
}

// Gateway is the full provider surface the engine composes.
// *gmail.Service satisfies it.
type Gateway interface {
	view.Gateway
	ListLabels(ctx context.Context) ([]message.Label, error)
	CreateLabel(ctx context.Context, name string) (message.Label, error)
	ModifyMessage(ctx context.Context, id string, add, remove []string) error
	ModifyThread(ctx context.Context, id string, add, remove []string) error
	SendMessage(ctx context.Context, raw []byte, threadID string) (string, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	GetUserInfo(ctx context.Context) (message.Profile, error)
}

var _ Gateway = (*gmail.Service)(nil)
var _ Broker = (*auth.Broker)(nil)

type viewKind int

const (
	viewInbox viewKind = iota
	viewUnanswered
	viewReplied
	viewArchived
)

// session bundles the components built once per authenticated client.
type session struct {
	gw       Gateway
	querier  *view.Querier
	archiver *archive.Controller
	profile  message.Profile
}

// Engine is the facade handed to the UI layer.  All methods are safe
// for concurrent use.
type Engine struct {
	broker Broker

	// connect builds a gateway from an authenticated client.
	// Overridable in tests.
	connect func(ctx context.Context, client *http.Client) (Gateway, error)

	mu       sync.Mutex
	sess     *session
	inflight map[viewKind]*inflightEntry
}

func New(broker Broker) *Engine {
	return &Engine{
		broker: broker,
		connect: func(ctx context.Context, client *http.Client) (Gateway, error) {
			return gmail.New(ctx, client)
		},
		inflight: make(map[viewKind]*inflightEntry),
	}
}

// session returns the cached authenticated session, building it (and
// possibly running the interactive login) on first use.
func (e *Engine) session(ctx context.Context) (*session, error) {
	e.mu.Lock()
	if e.sess != nil {
		s := e.sess
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	// The broker serializes concurrent acquisition internally; two
	// racing callers both get the same refreshed credential.
	client, err := e.broker.Client(ctx)
	if err != nil {
		return nil, err
	}
	gw, err := e.connect(ctx, client)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize mail gateway")
	}
	profile, err := gw.GetUserInfo(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to fetch user profile")
	}

	labels := label.NewManager(gw)
	s := &session{
		gw:       gw,
		querier:  view.NewQuerier(gw, labels, profile.Email),
		archiver: archive.NewController(gw, labels),
		profile:  profile,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		e.sess = s
	}
	return e.sess, nil
}

func (e *Engine) dropSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess = nil
}

// Login forces the interactive authorization flow.
func (e *Engine) Login(ctx context.Context) error {
	e.dropSession()
	return e.broker.Login(ctx)
}

// Logout deletes the stored credential and forgets the session.
func (e *Engine) Logout(ctx context.Context) error {
	e.dropSession()
	return e.broker.Logout(ctx)
}

// HasValidToken reports whether a usable credential is stored.
func (e *Engine) HasValidToken(ctx context.Context) bool {
	return e.broker.HasValidToken(ctx)
}

// UserProfile returns the authenticated user's profile.
func (e *Engine) UserProfile(ctx context.Context) (message.Profile, error) {
	s, err := e.session(ctx)
	if err != nil {
		return message.Profile{}, err
	}
	return s.profile, nil
}

type inflightEntry struct {
	cancel context.CancelFunc
}

// supersede cancels any in-flight fetch of the same view and registers
// this one.  The newest request wins; a superseded caller observes
// context.Canceled and must discard its result.
func (e *Engine) supersede(ctx context.Context, k viewKind) (context.Context, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev := e.inflight[k]; prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	entry := &inflightEntry{cancel: cancel}
	e.inflight[k] = entry
	return ctx, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		// Only clear the slot if a newer request has not taken it.
		if e.inflight[k] == entry {
			delete(e.inflight, k)
		}
		cancel()
	}
}

// ListInbox returns one page of the inbox view.
func (e *Engine) ListInbox(ctx context.Context, p view.Params) (view.Result, error) {
	return e.runView(ctx, viewInbox, p, func(ctx context.Context, s *session, p view.Params) (view.Result, error) {
		return s.querier.Inbox(ctx, p)
	})
}

// ListUnanswered returns one page of threads waiting on the user.
func (e *Engine) ListUnanswered(ctx context.Context, p view.Params) (view.Result, error) {
	return e.runView(ctx, viewUnanswered, p, func(ctx context.Context, s *session, p view.Params) (view.Result, error) {
		return s.querier.Unanswered(ctx, p)
	})
}

// ListReplied returns one page of threads waiting on the other party.
func (e *Engine) ListReplied(ctx context.Context, p view.Params) (view.Result, error) {
	return e.runView(ctx, viewReplied, p, func(ctx context.Context, s *session, p view.Params) (view.Result, error) {
		return s.querier.Replied(ctx, p)
	})
}

// ListArchived returns one page of archived mail.
func (e *Engine) ListArchived(ctx context.Context, p view.Params) (view.Result, error) {
	return e.runView(ctx, viewArchived, p, func(ctx context.Context, s *session, p view.Params) (view.Result, error) {
		return s.querier.Archived(ctx, p)
	})
}

func (e *Engine) runView(ctx context.Context, k viewKind, p view.Params,
	fetch func(context.Context, *session, view.Params) (view.Result, error)) (view.Result, error) {
	s, err := e.session(ctx)
	if err != nil {
		return view.Result{}, err
	}
	ctx, done := e.supersede(ctx, k)
	defer done()
	return fetch(ctx, s, p)
}

// InboxCount estimates the inbox view size.
func (e *Engine) InboxCount(ctx context.Context, p view.Params) (int64, error) {
	s, err := e.session(ctx)
	if err != nil {
		return 0, err
	}
	return s.querier.InboxCount(ctx, p)
}

// UnansweredCount estimates the unanswered view's raw candidate count.
func (e *Engine) UnansweredCount(ctx context.Context, p view.Params) (int64, error) {
	s, err := e.session(ctx)
	if err != nil {
		return 0, err
	}
	return s.querier.UnansweredCount(ctx, p)
}

// RepliedCount estimates the replied view's raw candidate count.
func (e *Engine) RepliedCount(ctx context.Context, p view.Params) (int64, error) {
	s, err := e.session(ctx)
	if err != nil {
		return 0, err
	}
	return s.querier.RepliedCount(ctx, p)
}

// ArchivedCount estimates the archived view size.
func (e *Engine) ArchivedCount(ctx context.Context, p view.Params) (int64, error) {
	s, err := e.session(ctx)
	if err != nil {
		return 0, err
	}
	return s.querier.ArchivedCount(ctx, p)
}

// ArchiveThread applies the archive label to every message in the
// thread.  On a *archive.PartialError the thread may be half-archived;
// retrying is safe.
func (e *Engine) ArchiveThread(ctx context.Context, threadID string) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	return s.archiver.Archive(ctx, threadID)
}

// UnarchiveThread removes the archive label from every message in the
// thread.
func (e *Engine) UnarchiveThread(ctx context.Context, threadID string) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	return s.archiver.Unarchive(ctx, threadID)
}

// MarkThreadRead clears the unread marker across a whole thread.  id
// may be either a message id (resolved to its thread) or a thread id.
func (e *Engine) MarkThreadRead(ctx context.Context, id string) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	threadID := id
	m, err := s.gw.GetMessage(ctx, id, gmail.FormatMinimal)
	switch {
	case err == nil:
		threadID = m.ThreadID
	case errors.Cause(err) == gmail.ErrMessageNotFound:
		// Not a message id; treat it as a thread id.
	default:
		return err
	}
	return s.gw.ModifyThread(ctx, threadID, nil, []string{message.LabelUnread})
}

// Attachment fetches one attachment body for the message.
func (e *Engine) Attachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	s, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	return s.gw.GetAttachment(ctx, messageID, attachmentID)
}
