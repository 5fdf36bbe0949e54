package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/courier/internal/model"
	"github.com/alfredjeanlab/courier/internal/store"
)

// mockStore is an in-memory store.Store used by the handler tests.
type mockStore struct {
	mu       sync.Mutex
	events   []*model.Event
	updates  []*model.Update
	members  map[string]*model.DialogMember
	counters map[string]int64
	history  []*model.CounterHistory
	tasks    []*model.DialogReadTask

	// txErr makes RunInTransaction fail without applying its body.
	txErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		members:  map[string]*model.DialogMember{},
		counters: map[string]int64{},
	}
}

func memberKey(tenantID, dialogID, userID string) string {
	return tenantID + "|" + dialogID + "|" + userID
}

func counterKey(tenantID string, ct model.CounterType, entityID, field string) string {
	return tenantID + "|" + string(ct) + "|" + entityID + "|" + field
}

func (m *mockStore) addMember(tenantID, dialogID, userID string, unread int64) {
	m.members[memberKey(tenantID, dialogID, userID)] = &model.DialogMember{
		TenantID: tenantID, DialogID: dialogID, UserID: userID,
		UnreadCount: unread, JoinedAt: time.Now().UTC(),
	}
}

func (m *mockStore) AppendEvent(_ context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) ListEvents(_ context.Context, tenantID string, after time.Time, limit int) ([]*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Event
	for _, e := range m.events {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if !after.IsZero() && !e.CreatedAt.After(after) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) CreateUpdate(_ context.Context, u *model.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.updates {
		if existing.EventID == u.EventID && existing.UserID == u.UserID {
			return nil
		}
	}
	cp := *u
	m.updates = append(m.updates, &cp)
	return nil
}

func (m *mockStore) MarkUpdatePublished(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.updates {
		if u.ID == id {
			u.Published = true
			u.PublishedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockStore) ListUnpublishedUpdates(_ context.Context, olderThan time.Time, limit int) ([]*model.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Update
	for _, u := range m.updates {
		if !u.Published && u.CreatedAt.Before(olderThan) {
			cp := *u
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) ListUserUpdates(_ context.Context, tenantID, userID string, after time.Time, limit int) ([]*model.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Update
	for _, u := range m.updates {
		if u.TenantID != tenantID || u.UserID != userID {
			continue
		}
		if !after.IsZero() && !u.CreatedAt.After(after) {
			continue
		}
		cp := *u
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) IncrementCounter(_ context.Context, tenantID string, ct model.CounterType, _ model.EntityType, entityID, field string, delta int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey(tenantID, ct, entityID, field)
	old := m.counters[k]
	m.counters[k] = old + delta
	return old, old + delta, nil
}

func (m *mockStore) SetCounter(_ context.Context, tenantID string, ct model.CounterType, _ model.EntityType, entityID, field string, value int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey(tenantID, ct, entityID, field)
	old := m.counters[k]
	m.counters[k] = value
	return old, value, nil
}

func (m *mockStore) GetCounter(_ context.Context, tenantID string, ct model.CounterType, entityID, field string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey(tenantID, ct, entityID, field)], nil
}

func (m *mockStore) RecordCounterHistory(_ context.Context, h *model.CounterHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *mockStore) UpsertMember(_ context.Context, dm *model.DialogMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memberKey(dm.TenantID, dm.DialogID, dm.UserID)
	if _, ok := m.members[k]; !ok {
		cp := *dm
		m.members[k] = &cp
	}
	return nil
}

func (m *mockStore) RemoveMember(_ context.Context, tenantID, dialogID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, memberKey(tenantID, dialogID, userID))
	return nil
}

func (m *mockStore) GetMember(_ context.Context, tenantID, dialogID, userID string) (*model.DialogMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.members[memberKey(tenantID, dialogID, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *dm
	return &cp, nil
}

func (m *mockStore) ListDialogMembers(_ context.Context, tenantID, dialogID, afterUserID string, limit int) ([]*model.DialogMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DialogMember
	for _, dm := range m.members {
		if dm.TenantID == tenantID && dm.DialogID == dialogID && dm.UserID > afterUserID {
			cp := *dm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) CountDialogMembers(_ context.Context, tenantID, dialogID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, dm := range m.members {
		if dm.TenantID == tenantID && dm.DialogID == dialogID {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ListUserMemberships(_ context.Context, tenantID, userID string) ([]*model.DialogMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DialogMember
	for _, dm := range m.members {
		if dm.TenantID == tenantID && dm.UserID == userID {
			cp := *dm
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) IncrementMemberUnread(_ context.Context, tenantID, dialogID, userID string, delta int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.members[memberKey(tenantID, dialogID, userID)]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	old := dm.UnreadCount
	dm.UnreadCount += delta
	if dm.UnreadCount < 0 {
		dm.UnreadCount = 0
	}
	return old, dm.UnreadCount, nil
}

func (m *mockStore) SetMemberUnread(_ context.Context, tenantID, dialogID, userID string, value int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dm, ok := m.members[memberKey(tenantID, dialogID, userID)]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	old := dm.UnreadCount
	if value < 0 {
		value = 0
	}
	dm.UnreadCount = value
	return old, value, nil
}

func (m *mockStore) EnqueueReadTask(_ context.Context, t *model.DialogReadTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks = append(m.tasks, &cp)
	return nil
}

func (m *mockStore) ClaimReadTask(context.Context) (*model.DialogReadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Status == model.TaskPending {
			t.Status = model.TaskRunning
			now := time.Now().UTC()
			t.StartedAt = &now
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) FinishReadTask(_ context.Context, id string, status model.TaskStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			t.Status = status
			t.Error = errMsg
			now := time.Now().UTC()
			t.FinishedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *mockStore) RequeueStuckReadTasks(_ context.Context, startedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == model.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(startedBefore) {
			t.Status = model.TaskPending
			n++
		}
	}
	return n, nil
}

func (m *mockStore) GetReadTask(_ context.Context, id string) (*model.DialogReadTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	return fn(m)
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) counter(tenantID string, ct model.CounterType, entityID, field string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[counterKey(tenantID, ct, entityID, field)]
}

func (m *mockStore) updatesFor(userID string) []*model.Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Update
	for _, u := range m.updates {
		if u.UserID == userID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out
}
