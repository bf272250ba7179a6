// Package store provides in-memory implementations of the collaborator
// contracts in generic (directory, catalog, audit, notifications,
// documents) for tests and local development.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// MEMORY - In-memory collaborators (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	users         map[generic.UserID]generic.User
	leaveTypes    map[generic.LeaveTypeID]generic.LeaveType
	audit         []generic.AuditEntry
	notifications []generic.Notification
	records       []generic.ApprovedRecord

	// NotifyErr and DocumentErr, when set, are returned by Notify and
	// GenerateApprovalRecord after recording the call.
	NotifyErr   error
	DocumentErr error
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[generic.UserID]generic.User),
		leaveTypes: make(map[generic.LeaveTypeID]generic.LeaveType),
	}
}

// PutUser inserts or replaces a user.
func (m *Memory) PutUser(u generic.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutLeaveType inserts or replaces a leave type.
func (m *Memory) PutLeaveType(lt generic.LeaveType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveTypes[lt.ID] = lt
}

// SetUserActive flips a user's active flag. Unknown users are an error.
func (m *Memory) SetUserActive(_ context.Context, id generic.UserID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return generic.ErrUserNotFound
	}
	u.IsActive = active
	m.users[id] = u
	return nil
}

// -----------------------------------------------------------------------------
// generic.Directory
// -----------------------------------------------------------------------------

func (m *Memory) GetUser(_ context.Context, id generic.UserID) (*generic.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, generic.ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) ListActiveByRole(_ context.Context, role generic.Role) ([]generic.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []generic.User
	for _, u := range m.users {
		if u.IsActive && u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// generic.Catalog
// -----------------------------------------------------------------------------

func (m *Memory) GetLeaveType(_ context.Context, id generic.LeaveTypeID) (*generic.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lt, ok := m.leaveTypes[id]
	if !ok {
		return nil, generic.ErrLeaveTypeNotFound
	}
	return &lt, nil
}

func (m *Memory) ListLeaveTypes(_ context.Context) ([]generic.LeaveType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.LeaveType, 0, len(m.leaveTypes))
	for _, lt := range m.leaveTypes {
		out = append(out, lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// generic.AuditLog, generic.Notifier, generic.DocumentGenerator
// -----------------------------------------------------------------------------

func (m *Memory) Record(_ context.Context, e generic.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) Notify(_ context.Context, n generic.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return m.NotifyErr
}

func (m *Memory) GenerateApprovalRecord(_ context.Context, rec generic.ApprovedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.DocumentErr
}

// AuditEntries returns a copy of everything recorded so far.
func (m *Memory) AuditEntries() []generic.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.AuditEntry(nil), m.audit...)
}

// Notifications returns a copy of every notification sent so far.
func (m *Memory) Notifications() []generic.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.Notification(nil), m.notifications...)
}

// NotificationsFor filters Notifications by recipient and kind.
func (m *Memory) NotificationsFor(user generic.UserID, kind generic.NotificationKind) []generic.Notification {
	var out []generic.Notification
	for _, n := range m.Notifications() {
		if n.UserID == user && n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (m *Memory) ApprovedRecords() []generic.ApprovedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generic.ApprovedRecord(nil), m.records...)
}
