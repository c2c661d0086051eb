// Package archive applies and removes the archive marker label across
// every message of a thread.
package archive

import (
	"context"
	"fmt"

	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/label"
	"github.com/matta/threadview/internal/message"

	"github.com/pkg/errors"
)

// Gateway is the provider surface the controller needs.
type Gateway interface {
	GetThread(ctx context.Context, id string, format gmail.Format) (*message.Thread, error)
	ModifyMessage(ctx context.Context, id string, add, remove []string) error
}

// Labels resolves the archive label.
type Labels interface {
	Resolve(ctx context.Context, name string) (id string, ok bool, err error)
	ResolveOrCreate(ctx context.Context, name string) (string, error)
}

// PartialError reports that only a prefix of a thread's messages was
// mutated.  Label mutations are idempotent per message, so retrying
// the whole thread is safe.
type PartialError struct {
	ThreadID string

	// Applied counts the messages successfully mutated before the
	// failure.
	Applied int
	Total   int

	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("archive: thread %s partially mutated (%d of %d messages): %v",
		e.ThreadID, e.Applied, e.Total, e.Err)
}

// Cause supports github.com/pkg/errors unwrapping.
func (e *PartialError) Cause() error { return e.Err }

func (e *PartialError) Unwrap() error { return e.Err }

// Controller mutates thread archive state.  Mutations are best-effort
// across a thread's messages, not transactional: a failure aborts the
// loop without rolling back already-mutated messages.
type Controller struct {
	gw     Gateway
	labels Labels
}

func NewController(gw Gateway, labels Labels) *Controller {
	return &Controller{gw: gw, labels: labels}
}

// Archive adds the archive label to every message in the thread.  The
// label is resolved (and created on first use) exactly once, before
// any mutation.
func (c *Controller) Archive(ctx context.Context, threadID string) error {
	id, err := c.labels.ResolveOrCreate(ctx, label.Archived)
	if err != nil {
		return errors.Wrap(err, "unable to resolve archive label")
	}
	return c.modifyAll(ctx, threadID, []string{id}, nil)
}

// Unarchive removes the archive label from every message in the
// thread.  If the label does not exist at all there is nothing to
// remove and Unarchive returns without issuing any mutation.
func (c *Controller) Unarchive(ctx context.Context, threadID string) error {
	id, ok, err := c.labels.Resolve(ctx, label.Archived)
	if err != nil {
		return errors.Wrap(err, "unable to resolve archive label")
	}
	if !ok {
		return nil
	}
	return c.modifyAll(ctx, threadID, nil, []string{id})
}

func (c *Controller) modifyAll(ctx context.Context, threadID string, add, remove []string) error {
	th, err := c.gw.GetThread(ctx, threadID, gmail.FormatMinimal)
	if err != nil {
		return errors.Wrapf(err, "unable to fetch thread %v", threadID)
	}
	for i, m := range th.Messages {
		if err := c.gw.ModifyMessage(ctx, m.PermID, add, remove); err != nil {
			return &PartialError{
				ThreadID: threadID,
				Applied:  i,
				Total:    len(th.Messages),
				Err:      err,
			}
		}
	}
	return nil
}
