package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemAlertStore keeps the alert audit trail in memory. Used in tests and when
// the service runs without a database.
type MemAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
}

// NewMemAlertStore constructs an empty in-memory alert store.
func NewMemAlertStore() *MemAlertStore {
	return &MemAlertStore{alerts: make(map[string]Alert)}
}

// InsertAlert records a new alert.
func (s *MemAlertStore) InsertAlert(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

// UpdateAlertStatus transitions an existing alert.
func (s *MemAlertStore) UpdateAlertStatus(_ context.Context, id, status string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	alert.Status = status
	if status == StatusResolved {
		t := resolvedAt
		alert.ResolvedAt = &t
	}
	s.alerts[id] = alert
	return nil
}

// ListAlerts lists alerts newest first, optionally filtered by status.
func (s *MemAlertStore) ListAlerts(_ context.Context, status string, limit int) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if status != "" && alert.Status != status {
			continue
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ AlertStore = (*MemAlertStore)(nil)
