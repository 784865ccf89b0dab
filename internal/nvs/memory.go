package nvs

import (
	"errors"
	"sync"
)

type memValue struct {
	kind Kind
	val  []byte
}

// MemoryBackend keeps values in process memory.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]map[string]memValue

	// FailApplies makes the next n Apply calls fail before writing anything.
	FailApplies int
	// Down makes Ping fail.
	Down bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string]memValue)}
}

var errInjected = errors.New("injected write failure")

// Ping implements Backend.
func (m *MemoryBackend) Ping() error {
	if m.Down {
		return errors.New("backend down")
	}
	return nil
}

// Load implements Backend.
func (m *MemoryBackend) Load(ns, key string) (Kind, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	if !ok {
		return 0, nil, false, nil
	}
	return v.kind, append([]byte(nil), v.val...), true, nil
}

// Apply implements Backend.
func (m *MemoryBackend) Apply(ns string, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailApplies > 0 {
		m.FailApplies--
		return errInjected
	}
	space := m.data[ns]
	if space == nil {
		space = make(map[string]memValue)
		m.data[ns] = space
	}
	for _, op := range ops {
		switch {
		case op.Clear:
			for k := range space {
				delete(space, k)
			}
		case op.Remove:
			delete(space, op.Key)
		default:
			space[op.Key] = memValue{kind: op.Kind, val: append([]byte(nil), op.Val...)}
		}
	}
	return nil
}

// Keys returns the keys present in ns.
func (m *MemoryBackend) Keys(ns string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		out = append(out, k)
	}
	return out
}
