package store

import (
	"context"
	"sync"

	payroll "github.com/payrollrelay/payroll/pkg"
)

// interface guard ensures Memory implements payroll.Store
var _ payroll.Store = &Memory{}

// Memory keeps values in a map; used by tests and the "memory" backend.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory returns a payroll.Store implementor that stores values in memory
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte, 16)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, payroll.NewErr(payroll.NotFound, "key not found: %s", key)
	}
	return append([]byte{}, v...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte{}, value...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
