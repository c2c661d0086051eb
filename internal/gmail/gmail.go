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

// Package gmail is a thin typed wrapper over the provider's REST API:
// message and thread listing, label CRUD, per-message label mutation,
// raw send, attachments and the authenticated user's profile.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/matta/threadview/internal/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	oauth2_api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope
	SendScope   = gmail_api.GmailSendScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerMessagesList = 1
	quotaUnitsPerModify       = 5
	quotaUnitsPerThreadsGet   = 10
	quotaUnitsPerLabelsList   = 1
	quotaUnitsPerLabelsCreate = 5
	quotaUnitsPerSend         = 100
	quotaUnitsPerAttachment   = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
	ErrThreadNotFound  = errors.New("gmail thread not found")
)

// Format selects how much of a message the provider returns.
type Format string

const (
	FormatMinimal  Format = "minimal"
	FormatMetadata Format = "metadata"
	FormatFull     Format = "full"
)

// Page is one raw page of a message listing.
type Page struct {
	IDs           []message.ID
	NextPageToken string
	SizeEstimate  int64
}

// Service provides rate-limited access to messages stored in the
// provider's system.
type Service struct {
	service  *gmail_api.Service
	userinfo *oauth2_api.Service
	limiter  *rate.Limiter
}

// New builds a Service on top of an authenticated HTTP client.
func New(ctx context.Context, client *http.Client) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	u, err := oauth2_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, userinfo: u, limiter: l}, nil
}

// notFound reports whether the API error is a well-formed 404 with a
// notFound reason, as opposed to e.g. a permission failure.
func notFound(err error) bool {
	cause, ok := errors.Cause(err).(*googleapi.Error)
	if !ok || cause.Code != http.StatusNotFound {
		return false
	}
	for _, item := range cause.Errors {
		if item.Reason == "notFound" {
			return true
		}
	}
	// Some 404 responses omit the item list entirely.
	return len(cause.Errors) == 0
}

// retryable reports whether the call should be reissued after
// re-waiting on the limiter.
func retryable(err error) bool {
	cause, ok := errors.Cause(err).(*googleapi.Error)
	return ok && cause.Code == http.StatusTooManyRequests
}

// ListMessages lists message identifiers matching the query.
// labelIDs, pageToken and maxResults are passed through when set.
func (s *Service) ListMessages(ctx context.Context, query string, labelIDs []string, pageToken string, maxResults int64) (Page, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
			return Page{}, err
		}
		call := gmail_api.NewUsersMessagesService(s.service).List("me").Context(ctx)
		if query != "" {
			call = call.Q(query)
		}
		if len(labelIDs) > 0 {
			call = call.LabelIds(labelIDs...)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		if maxResults > 0 {
			call = call.MaxResults(maxResults)
		}
		res, err := call.Do()
		if err != nil {
			if retryable(err) {
				continue
			}
			return Page{}, errors.Wrap(err, "unable to list messages")
		}
		page := Page{
			NextPageToken: res.NextPageToken,
			SizeEstimate:  res.ResultSizeEstimate,
		}
		for _, m := range res.Messages {
			page.IDs = append(page.IDs, message.ID{PermID: m.Id, ThreadID: m.ThreadId})
		}
		return page, nil
	}
}

// GetMessage fetches one message snapshot in the requested format.
func (s *Service) GetMessage(ctx context.Context, id string, format Format) (*message.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := gmail_api.NewUsersMessagesService(s.service).Get("me", id).
			Context(ctx).Format(string(format)).Do()
		if err != nil {
			if retryable(err) {
				continue
			}
			if notFound(err) {
				return nil, ErrMessageNotFound
			}
			return nil, errors.Wrapf(err, "getting message %v from gmail", id)
		}
		return convertMessage(msg), nil
	}
}

// ModifyMessage adds and removes label IDs on a single message.  The
// provider treats re-adding a present label and removing an absent one
// as no-ops, so the call is idempotent.
func (s *Service) ModifyMessage(ctx context.Context, id string, add, remove []string) error {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
			return err
		}
		req := &gmail_api.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}
		_, err := gmail_api.NewUsersMessagesService(s.service).Modify("me", id, req).
			Context(ctx).Do()
		if err != nil {
			if retryable(err) {
				continue
			}
			if notFound(err) {
				return ErrMessageNotFound
			}
			return errors.Wrapf(err, "modifying message %v", id)
		}
		return nil
	}
}

// SendMessage sends an RFC 2822 message, threading it onto threadID
// when non-empty.  It returns the provider-assigned message id.
func (s *Service) SendMessage(ctx context.Context, raw []byte, threadID string) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return "", err
	}
	msg := &gmail_api.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}
	sent, err := gmail_api.NewUsersMessagesService(s.service).Send("me", msg).
		Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "sending message")
	}
	return sent.Id, nil
}

// GetThread fetches a whole thread with its messages in the
// provider-assigned order.  A thread with zero messages is reported as
// not found rather than returned.
func (s *Service) GetThread(ctx context.Context, id string, format Format) (*message.Thread, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerThreadsGet); err != nil {
			return nil, err
		}
		th, err := gmail_api.NewUsersThreadsService(s.service).Get("me", id).
			Context(ctx).Format(string(format)).Do()
		if err != nil {
			if retryable(err) {
				continue
			}
			if notFound(err) {
				return nil, ErrThreadNotFound
			}
			return nil, errors.Wrapf(err, "getting thread %v from gmail", id)
		}
		if len(th.Messages) == 0 {
			return nil, ErrThreadNotFound
		}
		out := &message.Thread{ID: th.Id}
		for _, m := range th.Messages {
			out.Messages = append(out.Messages, convertMessage(m))
		}
		return out, nil
	}
}

// ModifyThread adds and removes label IDs across every message in the
// thread in one provider call.
func (s *Service) ModifyThread(ctx context.Context, id string, add, remove []string) error {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerModify); err != nil {
			return err
		}
		req := &gmail_api.ModifyThreadRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}
		_, err := gmail_api.NewUsersThreadsService(s.service).Modify("me", id, req).
			Context(ctx).Do()
		if err != nil {
			if retryable(err) {
				continue
			}
			if notFound(err) {
				return ErrThreadNotFound
			}
			return errors.Wrapf(err, "modifying thread %v", id)
		}
		return nil
	}
}

// ListLabels lists every label defined for the account.
func (s *Service) ListLabels(ctx context.Context) ([]message.Label, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, err
	}
	res, err := gmail_api.NewUsersLabelsService(s.service).List("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list labels")
	}
	var labels []message.Label
	for _, l := range res.Labels {
		labels = append(labels, message.Label{ID: l.Id, Name: l.Name})
	}
	return labels, nil
}

// CreateLabel creates a user label visible in both the label list and
// the message list.  Creation is not idempotent at the provider level;
// callers single-flight it.
func (s *Service) CreateLabel(ctx context.Context, name string) (message.Label, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsCreate); err != nil {
		return message.Label{}, err
	}
	l := &gmail_api.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	created, err := gmail_api.NewUsersLabelsService(s.service).Create("me", l).
		Context(ctx).Do()
	if err != nil {
		return message.Label{}, errors.Wrapf(err, "creating label %q", name)
	}
	return message.Label{ID: created.Id, Name: created.Name}, nil
}

// GetAttachment fetches and decodes one attachment body.
func (s *Service) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerAttachment); err != nil {
		return nil, err
	}
	body, err := gmail_api.NewUsersMessagesAttachmentsService(s.service).
		Get("me", messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		if notFound(err) {
			return nil, ErrMessageNotFound
		}
		return nil, errors.Wrapf(err, "getting attachment %v of message %v", attachmentID, messageID)
	}
	data, err := base64.URLEncoding.DecodeString(body.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding attachment body")
	}
	return data, nil
}

// GetUserInfo returns the authenticated user's profile.
func (s *Service) GetUserInfo(ctx context.Context) (message.Profile, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return message.Profile{}, err
	}
	u, err := s.userinfo.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return message.Profile{}, errors.Wrap(err, "getting user profile")
	}
	return message.Profile{
		Email:   u.Email,
		Name:    u.Name,
		Picture: u.Picture,
	}, nil
}
