// Package label resolves user-visible label names to provider-assigned
// label identifiers, creating the label on first use.
package label

import (
	"context"
	"sync"

	"github.com/matta/threadview/internal/message"

	"github.com/pkg/errors"
)

// Archived is the display name of the archive marker label.
const Archived = "Archived"

// legacyNames maps a canonical label name to names earlier releases
// created.  When the canonical name is absent but a legacy name
// exists, the legacy label is reused rather than creating a duplicate.
var legacyNames = map[string][]string{
	Archived: {"archived-mails"},
}

// Gateway is the provider surface the manager needs.
type Gateway interface {
	ListLabels(ctx context.Context) ([]message.Label, error)
	CreateLabel(ctx context.Context, name string) (message.Label, error)
}

// Manager resolves labels by display name.  Resolution is
// single-flighted: label creation is not idempotent at the provider
// level, so concurrent resolutions of the same name must not race a
// create.  Results are not cached across operations; each logical
// operation re-resolves at small bounded cost rather than holding a
// staleness-prone process-wide id.
type Manager struct {
	gw Gateway
	mu sync.Mutex
}

func NewManager(gw Gateway) *Manager {
	return &Manager{gw: gw}
}

// Resolve looks the label up by display name without creating it.
// The legacy-name fallback applies here too, so operations like
// unarchive act on whichever variant actually exists.
func (m *Manager) Resolve(ctx context.Context, name string) (id string, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(ctx, name)
}

// ResolveOrCreate returns the id of the named label, creating it when
// neither the canonical nor a legacy variant exists.
func (m *Manager) ResolveOrCreate(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok, err := m.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	created, err := m.gw.CreateLabel(ctx, name)
	if err != nil {
		return "", errors.Wrapf(err, "unable to create label %q", name)
	}
	return created.ID, nil
}

func (m *Manager) lookup(ctx context.Context, name string) (string, bool, error) {
	labels, err := m.gw.ListLabels(ctx)
	if err != nil {
		return "", false, errors.Wrap(err, "unable to list labels")
	}
	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		if _, seen := byName[l.Name]; !seen {
			byName[l.Name] = l.ID
		}
	}
	if id, ok := byName[name]; ok {
		return id, true, nil
	}
	for _, legacy := range legacyNames[name] {
		if id, ok := byName[legacy]; ok {
			return id, true, nil
		}
	}
	return "", false, nil
}
