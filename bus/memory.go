package bus

import "sync"

// Memory is an in-process Bus backed by a simple subscriber list,
// grounded on driver/stub.Driver's ring buffer + mutex but adapted from
// a pull-based Rx(timeout) to push-based dispatch on Send, since bus.Bus
// is synchronous pub/sub rather than a single-consumer polling driver.
type Memory struct {
	mu   sync.Mutex
	subs map[int]Handler
	next int

	logMu sync.Mutex
	sent  [][]byte
}

// NewMemory returns a ready-to-use in-memory Bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]Handler)}
}

func (m *Memory) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	m.logMu.Lock()
	m.sent = append(m.sent, cp)
	m.logMu.Unlock()

	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(cp)
	}
	return nil
}

func (m *Memory) Subscribe(h Handler) Unsubscribe {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SentFrames returns every frame Send has been called with, in order.
// Test-only introspection hook, analogous to driver/stub.Driver.GetTxLog.
func (m *Memory) SentFrames() [][]byte {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}
