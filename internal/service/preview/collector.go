package preview

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/previewd/internal/domain"
)

// StateNone is reported for keys that have never been deployed.
const StateNone domain.State = "none"

// StatusView is the read-only status of one key.
type StatusView struct {
	Key           string                 `json:"key"`
	TeamID        string                 `json:"team_id"`
	Branch        string                 `json:"branch"`
	State         domain.State           `json:"state"`
	Port          int                    `json:"port,omitempty"`
	URL           string                 `json:"url,omitempty"`
	Handle        string                 `json:"handle,omitempty"`
	Backend       string                 `json:"backend,omitempty"`
	Profile       *domain.ProjectProfile `json:"profile,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	LastHealthyAt *time.Time             `json:"last_healthy_at,omitempty"`
	UpdatedAt     *time.Time             `json:"updated_at,omitempty"`
}

// Status reports the state of key. Keys without a record report StateNone.
func (s *Service) Status(key domain.Key) StatusView {
	view := StatusView{Key: key.String(), TeamID: key.TeamID, Branch: key.Branch, State: StateNone}
	d, ok := s.Get(key)
	if !ok {
		return view
	}
	view.State = d.State
	view.Port = d.Port
	view.Handle = d.Handle
	view.Backend = d.Backend
	view.LastError = d.LastError
	view.LastHealthyAt = d.LastHealthyAt
	updated := d.UpdatedAt
	view.UpdatedAt = &updated
	if d.State == domain.StateRunning {
		view.URL = d.URL
	}
	if d.Profile.StartCommand != "" {
		profile := d.Profile
		view.Profile = &profile
	}
	return view
}

// Logs returns at most tail of the most recent output lines for key. A live
// instance is read on every call; otherwise the lines captured when the last
// instance was torn down are returned.
func (s *Service) Logs(ctx context.Context, key domain.Key, tail int) ([]string, error) {
	if tail <= 0 {
		tail = s.cfg.LogTailDefault
	}
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := e.snapshot(); !ok {
		return nil, ErrNotFound
	}
	if inst := e.instance(); inst != nil {
		lines, err := inst.Logs(ctx, tail)
		if err != nil {
			return nil, fmt.Errorf("read logs for %s: %w", key.String(), err)
		}
		return lines, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	lines := e.lastLogs
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}
