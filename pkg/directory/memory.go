package directory

import (
	"context"
	"sync"
)

// MemoryConn is an in-memory Conn for tests. Results are registered per
// (base, filter) pair; unregistered searches return no rows.
type MemoryConn struct {
	mu      sync.Mutex
	results map[string][]Entry
	queries []SearchRequest
	err     error
}

// NewMemoryConn creates an empty MemoryConn.
func NewMemoryConn() *MemoryConn {
	return &MemoryConn{results: make(map[string][]Entry)}
}

// Add registers rows returned for base and filter.
func (m *MemoryConn) Add(base, filter string, entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := base + "|" + filter
	m.results[key] = append(m.results[key], entries...)
}

// Reset drops every registered row.
func (m *MemoryConn) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = make(map[string][]Entry)
}

// SetError makes every following search fail with err, until cleared with nil.
func (m *MemoryConn) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Queries returns the searches issued so far.
func (m *MemoryConn) Queries() []SearchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SearchRequest(nil), m.queries...)
}

// Search implements Conn.
func (m *MemoryConn) Search(ctx context.Context, request SearchRequest) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, request)
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := m.results[request.Base+"|"+request.Filter]
	if request.SizeLimit > 0 && len(rows) > request.SizeLimit {
		rows = rows[:request.SizeLimit]
	}
	out := make([]Entry, len(rows))
	copy(out, rows)
	return out, nil
}

var _ Conn = (*MemoryConn)(nil)
