// Package presence tracks which users hold at least one live connection
// anywhere in the fleet. Connections are identified by a key unique across
// processes, conventionally "<instanceID>/<connID>".
package presence

import (
	"context"
	"strings"
	"sync"
)

// Tracker records live connections per user.
type Tracker interface {
	// Online records connKey for userID. first is true when the user had no
	// live connection before the call.
	Online(ctx context.Context, userID, connKey string) (first bool, err error)

	// Offline removes connKey. last is true when the removal left the user
	// with no live connection. Removing an unknown key reports false.
	Offline(ctx context.Context, userID, connKey string) (last bool, err error)

	// IsOnline reports whether userID has any live connection.
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Reaper is implemented by trackers shared between processes, whose
// entries would otherwise outlive an instance that died without
// disconnecting its clients.
type Reaper interface {
	// Heartbeat keeps the entries recorded by instanceID alive for another
	// lease period.
	Heartbeat(ctx context.Context, instanceID string) error

	// Sweep removes every connection of instances whose heartbeat lapsed.
	// It returns the users this left with no live connection; each is
	// reported by exactly one Sweep across the fleet.
	Sweep(ctx context.Context) (offline []string, err error)
}

// ConnKey builds the fleet-unique key for a connection on an instance.
func ConnKey(instanceID, connID string) string { return instanceID + "/" + connID }

// InstanceOf returns the instance half of a key built by ConnKey.
func InstanceOf(connKey string) string {
	i := strings.LastIndex(connKey, "/")
	if i < 0 {
		return connKey
	}
	return connKey[:i]
}

// Memory is a process-local Tracker.
type Memory struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]map[string]struct{})}
}

func (m *Memory) Online(_ context.Context, userID, connKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		m.users[userID] = conns
	}
	first := len(conns) == 0
	if _, dup := conns[connKey]; dup {
		return false, nil
	}
	conns[connKey] = struct{}{}
	return first, nil
}

func (m *Memory) Offline(_ context.Context, userID, connKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	if _, had := conns[connKey]; !had {
		return false, nil
	}
	delete(conns, connKey)
	if len(conns) == 0 {
		delete(m.users, userID)
		return true, nil
	}
	return false, nil
}

func (m *Memory) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users[userID]) > 0, nil
}

var _ Tracker = (*Memory)(nil)
