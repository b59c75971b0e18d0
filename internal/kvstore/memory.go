package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/smolin/medvault/internal/common"
)

type memEntry struct {
	kind  string
	value string
}

// Memory is an in-memory KV used in tests and as the unencrypted
// fallback tier in ephemeral setups. FailAll injects storage failures.
type Memory struct {
	mu      sync.RWMutex
	data    map[string]memEntry
	FailAll bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]memEntry)}
}

func (m *Memory) get(key, wantKind string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailAll {
		return "", common.ErrCacheIO
	}
	e, ok := m.data[key]
	if !ok {
		return "", common.ErrNotFound
	}
	if e.kind != wantKind {
		return "", fmt.Errorf("kv key %s holds %s, want %s", key, e.kind, wantKind)
	}
	return e.value, nil
}

func (m *Memory) set(key, kind, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll {
		return common.ErrCacheIO
	}
	m.data[key] = memEntry{kind: kind, value: value}
	return nil
}

func (m *Memory) GetString(_ context.Context, key string) (string, error) {
	return m.get(key, kindString)
}

func (m *Memory) GetInt64(_ context.Context, key string) (int64, error) {
	v, err := m.get(key, kindInt)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (m *Memory) GetFloat64(_ context.Context, key string) (float64, error) {
	v, err := m.get(key, kindFloat)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

func (m *Memory) GetBool(_ context.Context, key string) (bool, error) {
	v, err := m.get(key, kindBool)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

func (m *Memory) SetString(_ context.Context, key, value string) error {
	return m.set(key, kindString, value)
}

func (m *Memory) SetInt64(_ context.Context, key string, value int64) error {
	return m.set(key, kindInt, strconv.FormatInt(value, 10))
}

func (m *Memory) SetFloat64(_ context.Context, key string, value float64) error {
	return m.set(key, kindFloat, strconv.FormatFloat(value, 'g', -1, 64))
}

func (m *Memory) SetBool(_ context.Context, key string, value bool) error {
	return m.set(key, kindBool, strconv.FormatBool(value))
}

func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailAll {
		return false, common.ErrCacheIO
	}
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll {
		return common.ErrCacheIO
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) GetAllKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailAll {
		return nil, common.ErrCacheIO
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}
