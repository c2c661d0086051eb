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

package view

// This file provides the interfaces the view layer requires from its
// collaborators.

import (
	"context"

	"github.com/matta/threadview/internal/gmail"
	"github.com/matta/threadview/internal/message"
)

// MessageLister lists message identifiers matching a provider query.
type MessageLister interface {
	ListMessages(ctx context.Context, query string, labelIDs []string, pageToken string, maxResults int64) (gmail.Page, error)
}

// MessageGetter fetches single message snapshots.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string, format gmail.Format) (*message.Message, error)
}

// ThreadGetter fetches whole threads in provider order.
type ThreadGetter interface {
	GetThread(ctx context.Context, id string, format gmail.Format) (*message.Thread, error)
}

// Gateway provides all provider actions the view layer performs.
type Gateway interface {
	MessageLister
	MessageGetter
	ThreadGetter
}

// Labels looks up the archive label without creating it.
type Labels interface {
	Resolve(ctx context.Context, name string) (id string, ok bool, err error)
}
