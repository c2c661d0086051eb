// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package view implements the paginated fetch-classify-accumulate
// loop behind the four mail views: inbox, unanswered, replied and
// archived.
package view

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matta/threadview/internal/classify"
	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/label"
	"github.com/matta/threadview/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// Classification views over-request raw candidates because an
	// unknown fraction will be filtered out.
	overRequestFactor = 3

	// Concurrent provider fetches per page assembly.
	fetchConcurrency = 4

	defaultMaxResults = 25
)

// SortFilter narrows a view's raw query.
type SortFilter string

const (
	SortAll      SortFilter = ""
	SortUnread   SortFilter = "unread-only"
	SortThisWeek SortFilter = "this-week"
)

// Params selects what a view call fetches.
type Params struct {
	// MaxResults caps the accepted (post-filter) items per page.
	MaxResults int64

	// LabelIDs restricts the raw listing to these provider label
	// identifiers.
	LabelIDs []string

	// Query is the base provider search string, e.g.
	// "category:primary".
	Query string

	Sort SortFilter

	// PageToken is the provider's raw cursor from a prior call.
	PageToken string
}

func (p Params) maxResults() int64 {
	if p.MaxResults <= 0 {
		return defaultMaxResults
	}
	return p.MaxResults
}

// Result is one page of a view.
//
// For the classification views (unanswered, replied) NextPageToken is
// the provider's raw cursor, which is not aligned with the post-filter
// count: the next page may yield fewer than MaxResults classified
// items even when more raw pages exist.
type Result struct {
	Mails         []message.Summary
	NextPageToken string
}

// Querier runs the views for one authenticated account.
type Querier struct {
	gw     Gateway
	labels Labels

	// The authenticated user's address, matched against From
	// headers during classification.
	self string

	// now is a seam for the this-week range computation.
	now func() time.Time
}

func NewQuerier(gw Gateway, labels Labels, selfAddr string) *Querier {
	return &Querier{gw: gw, labels: labels, self: selfAddr, now: time.Now}
}

// buildQuery combines the base query, the sort-filter clause and the
// archive-label clause.  Every view other than archived excludes the
// archive label by display name so archived threads never leak into
// other views.
func (q *Querier) buildQuery(p Params, archived bool) string {
	var parts []string
	if p.Query != "" {
		parts = append(parts, p.Query)
	}
	switch p.Sort {
	case SortUnread:
		parts = append(parts, "is:unread")
	case SortThisWeek:
		parts = append(parts, weekRange(q.now()))
	}
	if archived {
		parts = append(parts, fmt.Sprintf("label:%q", label.Archived))
	} else {
		parts = append(parts, fmt.Sprintf("-label:%q", label.Archived))
	}
	return strings.Join(parts, " ")
}

// weekRange returns the Monday-start local calendar week containing
// now, in the provider's date query syntax.
func weekRange(now time.Time) string {
	daysSinceMonday := (int(now.Weekday()) + 6) % 7
	monday := now.AddDate(0, 0, -daysSinceMonday)
	sunday := monday.AddDate(0, 0, 6)
	return fmt.Sprintf("after:%s before:%s",
		monday.Format("2006/01/02"), sunday.Format("2006/01/02"))
}

// Inbox returns one page of the inbox listing.  One raw provider page
// maps directly to one result page; no classification applies.
func (q *Querier) Inbox(ctx context.Context, p Params) (Result, error) {
	return q.listDirect(ctx, p, q.buildQuery(p, false))
}

// Unanswered returns threads whose last message was sent by the other
// party, represented by that last message.
func (q *Querier) Unanswered(ctx context.Context, p Params) (Result, error) {
	return q.listClassified(ctx, p, classify.LastSenderOther)
}

// Replied returns threads whose last message was sent by the
// authenticated user, represented by the first message from the other
// party.  Threads consisting entirely of self-sent messages are
// excluded.
func (q *Querier) Replied(ctx context.Context, p Params) (Result, error) {
	return q.listClassified(ctx, p, classify.LastSenderSelf)
}

// Archived returns one page of archived mail.  A missing archive
// label, or a failure to list labels at all, yields an empty result:
// no archive label means nothing has been archived yet.
func (q *Querier) Archived(ctx context.Context, p Params) (Result, error) {
	if _, ok, err := q.labels.Resolve(ctx, label.Archived); err != nil || !ok {
		return Result{}, nil
	}
	return q.listDirect(ctx, p, q.buildQuery(p, true))
}

// InboxCount estimates the number of inbox messages.  The provider's
// result-size estimate is approximate.
func (q *Querier) InboxCount(ctx context.Context, p Params) (int64, error) {
	return q.count(ctx, p, q.buildQuery(p, false))
}

// UnansweredCount estimates the raw candidate count for the
// unanswered view.  Classification cannot be applied to an estimate;
// the true view count is never larger than this.
func (q *Querier) UnansweredCount(ctx context.Context, p Params) (int64, error) {
	return q.count(ctx, p, q.buildQuery(p, false))
}

// RepliedCount estimates the raw candidate count for the replied view.
func (q *Querier) RepliedCount(ctx context.Context, p Params) (int64, error) {
	return q.count(ctx, p, q.buildQuery(p, false))
}

// ArchivedCount estimates the number of archived messages, zero when
// the archive label does not exist.
func (q *Querier) ArchivedCount(ctx context.Context, p Params) (int64, error) {
	if _, ok, err := q.labels.Resolve(ctx, label.Archived); err != nil || !ok {
		return 0, nil
	}
	return q.count(ctx, p, q.buildQuery(p, true))
}

func (q *Querier) count(ctx context.Context, p Params, query string) (int64, error) {
	page, err := q.gw.ListMessages(ctx, query, p.LabelIDs, "", 1)
	if err != nil {
		return 0, err
	}
	return page.SizeEstimate, nil
}

// listDirect maps one raw page to one result page: fetch each listed
// message in full, preserving the listing order.
func (q *Querier) listDirect(ctx context.Context, p Params, query string) (Result, error) {
	page, err := q.gw.ListMessages(ctx, query, p.LabelIDs, p.PageToken, p.maxResults())
	if err != nil {
		return Result{}, err
	}

	msgs, err := q.fetchMessages(ctx, page.IDs)
	if err != nil {
		return Result{}, err
	}
	res := Result{NextPageToken: page.NextPageToken}
	for _, m := range msgs {
		if m == nil {
			// Deleted between list and get; skip.
			continue
		}
		res.Mails = append(res.Mails, message.Summarize(m))
	}
	return res, nil
}

// fetchMessages fans out full-message fetches and reassembles them in
// the original candidate order.  Messages that vanished between the
// list and the get are returned as nil entries.
func (q *Querier) fetchMessages(ctx context.Context, ids []message.ID) ([]*message.Message, error) {
	msgs := make([]*message.Message, len(ids))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		grp.Go(func() error {
			m, err := q.gw.GetMessage(ctx, id.PermID, gmail.FormatFull)
			if err != nil {
				if errors.Cause(err) == gmail.ErrMessageNotFound {
					return nil
				}
				return err
			}
			msgs[i] = m
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, errors.Wrap(err, "unable to fetch listed messages")
	}
	return msgs, nil
}

// fetchThreads fans out thread fetches and reassembles them in the
// original candidate order, so pagination stays deterministic.
// Threads that vanished between the list and the get are returned as
// nil entries.
func (q *Querier) fetchThreads(ctx context.Context, ids []string) ([]*message.Thread, error) {
	ths := make([]*message.Thread, len(ids))
	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		grp.Go(func() error {
			th, err := q.gw.GetThread(ctx, id, gmail.FormatFull)
			if err != nil {
				if errors.Cause(err) == gmail.ErrThreadNotFound {
					return nil
				}
				return err
			}
			ths[i] = th
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, errors.Wrap(err, "unable to fetch candidate threads")
	}
	return ths, nil
}

// listClassified runs the shared fetch-classify-accumulate loop.  Raw
// pages are over-requested; candidates deduplicate by thread so a
// thread contributes at most one result even when several of its
// messages match the raw query.  The loop stops once MaxResults items
// are accepted or the raw candidate stream is exhausted.
func (q *Querier) listClassified(ctx context.Context, p Params, want classify.Role) (Result, error) {
	query := q.buildQuery(p, false)
	max := p.maxResults()

	seen := make(map[string]bool)
	token := p.PageToken
	var out Result
	for {
		page, err := q.gw.ListMessages(ctx, query, p.LabelIDs, token, max*overRequestFactor)
		if err != nil {
			return Result{}, err
		}

		var candidates []string
		for _, id := range page.IDs {
			if seen[id.ThreadID] {
				continue
			}
			seen[id.ThreadID] = true
			candidates = append(candidates, id.ThreadID)
		}

		ths, err := q.fetchThreads(ctx, candidates)
		if err != nil {
			return Result{}, err
		}
		for _, th := range ths {
			if th == nil {
				continue
			}
			rep := representative(th, q.self, want)
			if rep == nil {
				continue
			}
			out.Mails = append(out.Mails, message.Summarize(rep))
			if int64(len(out.Mails)) >= max {
				out.NextPageToken = page.NextPageToken
				return out, nil
			}
		}

		token = page.NextPageToken
		if token == "" {
			return out, nil
		}
	}
}

// representative applies the per-view predicate and picks the message
// shown for the thread, or nil to exclude the thread.
func representative(th *message.Thread, self string, want classify.Role) *message.Message {
	res := classify.Classify(th, self)
	if res.Role != want {
		return nil
	}
	switch want {
	case classify.LastSenderOther:
		return res.Last
	case classify.LastSenderSelf:
		// An entirely self-sent thread has no original message
		// to display and is excluded.
		return res.FirstOther
	}
	return nil
}
