package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/util"
)

// Call records one operation received by a MemoryStore.
type Call struct {
	Op     string
	Table  string
	ID     string
	Fields script.Record
}

type failure struct {
	err  error
	once bool
}

// MemoryStore is an in-process implementation of script.Remote. It mirrors the
// Postgres schema's cascade rules and is used by tests and by the API when no
// database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	tables   map[string]map[string]script.Record
	nextIDs  []string
	dropID   map[string]bool
	failures map[string]failure
	calls    []Call
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   make(map[string]map[string]script.Record),
		dropID:   make(map[string]bool),
		failures: make(map[string]failure),
	}
}

// QueueIDs makes the next inserts without an explicit id return these ids in order.
func (m *MemoryStore) QueueIDs(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextIDs = append(m.nextIDs, ids...)
}

// FailNext makes the next op ("insert", "update", "delete", "select") on table fail.
func (m *MemoryStore) FailNext(op, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+":"+table] = failure{err: err, once: true}
}

// FailAlways makes every op on table fail until ClearFailures.
func (m *MemoryStore) FailAlways(op, table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+":"+table] = failure{err: err}
}

func (m *MemoryStore) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]failure)
}

// DropIDNext makes the next insert into table succeed without returning an id.
func (m *MemoryStore) DropIDNext(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropID[table] = true
}

func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MemoryStore) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Row returns a copy of one stored row.
func (m *MemoryStore) Row(table, id string) (script.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil, false
	}
	return cloneRecord(row), true
}

func (m *MemoryStore) Insert(_ context.Context, table string, fields script.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert", table); err != nil {
		return "", err
	}

	row := cloneRecord(fields)
	id := script.AsString(row["id"])
	if id == "" {
		if len(m.nextIDs) > 0 {
			id = m.nextIDs[0]
			m.nextIDs = m.nextIDs[1:]
		} else {
			id = util.NewID(strings.TrimSuffix(table, "s"))
		}
	}
	if _, exists := m.tables[table][id]; exists {
		return "", fmt.Errorf("insert %s: duplicate id %s", table, id)
	}
	row["id"] = id
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]script.Record)
	}
	m.tables[table][id] = row
	m.calls = append(m.calls, Call{Op: "insert", Table: table, ID: id, Fields: cloneRecord(fields)})

	if m.dropID[table] {
		delete(m.dropID, table)
		return "", nil
	}
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, table, id string, fields script.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update", table); err != nil {
		return err
	}
	row, ok := m.tables[table][id]
	if !ok {
		return fmt.Errorf("update %s %s: %w", table, id, ErrRowNotFound)
	}
	for key, value := range fields {
		row[key] = value
	}
	m.calls = append(m.calls, Call{Op: "update", Table: table, ID: id, Fields: cloneRecord(fields)})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", table); err != nil {
		return err
	}
	if _, ok := m.tables[table][id]; !ok {
		return fmt.Errorf("delete %s %s: %w", table, id, ErrRowNotFound)
	}
	m.cascade(table, id)
	m.calls = append(m.calls, Call{Op: "delete", Table: table, ID: id})
	return nil
}

func (m *MemoryStore) cascade(table, id string) {
	delete(m.tables[table], id)
	for _, kind := range script.Kinds() {
		if parentTable(kind) != table {
			continue
		}
		for childID, row := range m.tables[kind.Table()] {
			if script.AsString(row[kind.ParentColumn()]) == id {
				m.cascade(kind.Table(), childID)
			}
		}
	}
}

func (m *MemoryStore) Select(_ context.Context, table string, filter script.Record, _ string) ([]script.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("select", table); err != nil {
		return nil, err
	}
	out := make([]script.Record, 0)
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRecord(row))
		}
	}
	return out, nil
}

func (m *MemoryStore) check(op, table string) error {
	key := op + ":" + table
	f, ok := m.failures[key]
	if !ok {
		return nil
	}
	if f.once {
		delete(m.failures, key)
	}
	return f.err
}

func matches(row, filter script.Record) bool {
	for column, want := range filter {
		got := script.AsString(row[column])
		switch values := want.(type) {
		case []string:
			found := false
			for _, value := range values {
				if value == got {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if got != script.AsString(want) {
				return false
			}
		}
	}
	return true
}

func parentTable(kind script.Kind) string {
	if parent := kind.ParentKind(); parent != "" {
		return parent.Table()
	}
	return script.IssuesTable
}

func cloneRecord(in script.Record) script.Record {
	out := make(script.Record, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
