package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/dispatch"
)

// Memory is an in-process Store. Every read returns a copy, so callers never share
// mutable records with each other or with the store.
type Memory struct {
	mu           sync.RWMutex
	nextID       uint
	publications map[uint]models.Publication
	targets      map[uint]models.PublicationTarget
	channels     map[uint]models.Channel
	now          func() time.Time
}

var _ dispatch.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		publications: make(map[uint]models.Publication),
		targets:      make(map[uint]models.PublicationTarget),
		channels:     make(map[uint]models.Channel),
		now:          time.Now,
	}
}

func (m *Memory) id() uint {
	m.nextID++
	return m.nextID
}

// AddChannel stores ch and returns its id.
func (m *Memory) AddChannel(ch models.Channel) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.ID == 0 {
		ch.ID = m.id()
	}
	m.channels[ch.ID] = ch
	return ch.ID
}

// AddPublication stores pub and returns its id.
func (m *Memory) AddPublication(pub models.Publication) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pub.ID == 0 {
		pub.ID = m.id()
	}
	now := m.now()
	pub.CreatedAt, pub.UpdatedAt = now, now
	pub.Media = append([]models.MediaFile(nil), pub.Media...)
	m.publications[pub.ID] = pub
	return pub.ID
}

// AddTarget stores t and returns its id.
func (m *Memory) AddTarget(t models.PublicationTarget) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.id()
	}
	if t.Status == "" {
		t.Status = models.TargetStatusScheduled
	}
	m.targets[t.ID] = copyTarget(t)
	return t.ID
}

// SetUpdatedAt backdates a publication, e.g. to make it look stale.
func (m *Memory) SetUpdatedAt(id uint, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pub, ok := m.publications[id]; ok {
		pub.UpdatedAt = at
		m.publications[id] = pub
	}
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) ListDuePublications(ctx context.Context, now time.Time, limit int) ([]models.Publication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []models.Publication
	for _, pub := range m.publications {
		if pub.Status == models.PublicationStatusScheduled && pub.ScheduledAt != nil && !pub.ScheduledAt.After(now) {
			due = append(due, copyPublication(pub))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ListStalePublishing(ctx context.Context, before time.Time) ([]models.Publication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []models.Publication
	for _, pub := range m.publications {
		if pub.Status == models.PublicationStatusPublishing && pub.UpdatedAt.Before(before) {
			stale = append(stale, copyPublication(pub))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

func (m *Memory) GetPublication(ctx context.Context, id uint) (*models.Publication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pub, ok := m.publications[id]
	if !ok {
		return nil, fmt.Errorf("publication %d: %w", id, dispatch.ErrNotFound)
	}
	cp := copyPublication(pub)
	return &cp, nil
}

func (m *Memory) UpdatePublicationStatus(ctx context.Context, pub *models.Publication) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.publications[pub.ID]
	if !ok {
		return fmt.Errorf("publication %d: %w", pub.ID, dispatch.ErrNotFound)
	}
	stored.Status = pub.Status
	stored.ScheduledAt = copyTime(pub.ScheduledAt)
	stored.PublishedAt = copyTime(pub.PublishedAt)
	stored.UpdatedAt = m.now()
	m.publications[pub.ID] = stored
	return nil
}

func (m *Memory) ListTargets(ctx context.Context, publicationID uint) ([]models.PublicationTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var targets []models.PublicationTarget
	for _, t := range m.targets {
		if t.PublicationID == publicationID {
			targets = append(targets, copyTarget(t))
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// GetTarget returns a copy of one target.
func (m *Memory) GetTarget(ctx context.Context, id uint) (*models.PublicationTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %d: %w", id, dispatch.ErrNotFound)
	}
	cp := copyTarget(t)
	return &cp, nil
}

func (m *Memory) ClaimTarget(ctx context.Context, id uint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.targets[id]
	if !ok {
		return false, fmt.Errorf("target %d: %w", id, dispatch.ErrNotFound)
	}
	if stored.Status != models.TargetStatusScheduled {
		return false, nil
	}
	stored.Status = models.TargetStatusPublishing
	stored.UpdatedAt = m.now()
	m.targets[id] = stored
	return true, nil
}

func (m *Memory) SaveTarget(ctx context.Context, target *models.PublicationTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.targets[target.ID]
	if !ok {
		return fmt.Errorf("target %d: %w", target.ID, dispatch.ErrNotFound)
	}
	if stored.Status.IsTerminal() {
		return fmt.Errorf("target %d is %s: %w", target.ID, stored.Status, dispatch.ErrTargetTerminal)
	}

	stored.Status = target.Status
	stored.RetryCount = target.RetryCount
	stored.LastError = target.LastError
	stored.PublishedAt = copyTime(target.PublishedAt)
	stored.NextAttemptAt = copyTime(target.NextAttemptAt)
	stored.ExternalID = target.ExternalID
	stored.UpdatedAt = m.now()
	m.targets[target.ID] = stored
	return nil
}

func (m *Memory) GetChannel(ctx context.Context, id uint) (*models.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", id, dispatch.ErrNotFound)
	}
	return &ch, nil
}

func copyPublication(pub models.Publication) models.Publication {
	pub.ScheduledAt = copyTime(pub.ScheduledAt)
	pub.PublishedAt = copyTime(pub.PublishedAt)
	pub.Media = append([]models.MediaFile(nil), pub.Media...)
	return pub
}

func copyTarget(t models.PublicationTarget) models.PublicationTarget {
	t.PublishedAt = copyTime(t.PublishedAt)
	t.NextAttemptAt = copyTime(t.NextAttemptAt)
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
