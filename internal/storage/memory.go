package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"modbridge/backend/internal/models"
)

// MemoryStore is a process-local Storage used by tests and by
// STORE_DRIVER=memory deployments. Events are kept in order of publication.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]models.Cursor
	markers map[string]models.ProcessedReport
	links   map[string]models.IdentityLink // by chat user id
	users   map[string]models.PlatformUser
	warned  map[string]bool // report ids already counted
	events  []models.ModerationEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]models.Cursor),
		markers: make(map[string]models.ProcessedReport),
		links:   make(map[string]models.IdentityLink),
		users:   make(map[string]models.PlatformUser),
		warned:  make(map[string]bool),
	}
}

func (m *MemoryStore) GetCursor(_ context.Context, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[stream].LastSeenID, nil
}

func (m *MemoryStore) AdvanceCursor(_ context.Context, stream, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cursors[stream]
	if models.CompareIDs(id, c.LastSeenID) > 0 {
		c = models.Cursor{Stream: stream, LastSeenID: id, UpdatedAt: time.Now()}
		m.cursors[stream] = c
	}
	return c.LastSeenID, nil
}

func (m *MemoryStore) ResetCursor(_ context.Context, stream, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[stream] = models.Cursor{Stream: stream, LastSeenID: id, UpdatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) ListCursors(_ context.Context) ([]models.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out, nil
}

func (m *MemoryStore) GetMarker(_ context.Context, reportID string) (*models.ProcessedReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[reportID]
	if !ok {
		return nil, nil
	}
	return &marker, nil
}

func (m *MemoryStore) CommitMarker(_ context.Context, marker *models.ProcessedReport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.markers[marker.ReportID]; ok && existing.Kind.IsFinal() {
		return false, nil
	}
	stored := *marker
	stored.Actions = append([]string(nil), marker.Actions...)
	m.markers[marker.ReportID] = stored
	return true, nil
}

func (m *MemoryStore) ListRetryMarkers(_ context.Context, limit int) ([]models.ProcessedReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProcessedReport
	for _, marker := range m.markers {
		if marker.Kind == models.MarkerRetry {
			out = append(out, marker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Markers returns a copy of every marker, keyed by report id.
func (m *MemoryStore) Markers() map[string]models.ProcessedReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.ProcessedReport, len(m.markers))
	for k, v := range m.markers {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) CreateLink(_ context.Context, link *models.IdentityLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[link.ChatUserID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.links {
		if existing.PlatformUserID == link.PlatformUserID {
			return ErrDuplicate
		}
	}
	if err := link.BeforeCreate(nil); err != nil {
		return err
	}
	m.links[link.ChatUserID] = *link
	return nil
}

func (m *MemoryStore) FindLinkByChatUser(_ context.Context, chatUserID string) (*models.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[chatUserID]
	if !ok || !link.Verified {
		return nil, nil
	}
	return &link, nil
}

func (m *MemoryStore) FindLinkByPlatformUser(_ context.Context, platformUserID string) (*models.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.PlatformUserID == platformUserID && link.Verified {
			found := link
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) DeleteLinkByChatUser(_ context.Context, chatUserID string) (*models.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[chatUserID]
	if !ok {
		return nil, nil
	}
	delete(m.links, chatUserID)
	return &link, nil
}

func (m *MemoryStore) ListVerifiedLinks(_ context.Context) ([]models.IdentityLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IdentityLink
	for _, link := range m.links {
		if link.Verified {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

func (m *MemoryStore) RecordWarning(_ context.Context, userID, reportID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = models.PlatformUser{UserID: userID, AccountStatus: models.AccountStatusNormal}
	}
	if m.warned[reportID] {
		return u.WarningCount, nil
	}
	m.warned[reportID] = true
	u.WarningCount++
	u.UpdatedAt = time.Now()
	m.users[userID] = u
	return u.WarningCount, nil
}

func (m *MemoryStore) SetAccountStatus(_ context.Context, userID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = models.PlatformUser{UserID: userID, AccountStatus: status, UpdatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) GetPlatformUser(_ context.Context, userID string) (*models.PlatformUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryStore) PublishEvent(_ context.Context, ev models.ModerationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns the published events in order.
func (m *MemoryStore) Events() []models.ModerationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ModerationEvent(nil), m.events...)
}

var _ Storage = (*MemoryStore)(nil)
