package catalog

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Catalog used by tests.
type Memory struct {
	mu       sync.Mutex
	probers  map[string]Prober
	targets  map[string][]Target
	pairs    []Pair
	messages []ControlMessage
}

func NewMemory() *Memory {
	return &Memory{
		probers: make(map[string]Prober),
		targets: make(map[string][]Target),
	}
}

// AddProber registers a prober with its target list.
func (m *Memory) AddProber(p Prober, targets []Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[p.Name] = p
	m.targets[p.Name] = targets
	for _, t := range targets {
		m.pairs = append(m.pairs, Pair{
			ID:         int64(len(m.pairs) + 1),
			ProberName: p.Name,
			DstIP:      t.IP,
		})
	}
}

// SetTargets replaces a prober's target list.
func (m *Memory) SetTargets(proberName string, targets []Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[proberName] = targets
}

// Post appends a control message to the queue.
func (m *Memory) Post(msg ControlMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, msg)
}

func (m *Memory) GetProber(_ context.Context, name string) (Prober, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probers[name]
	if !ok {
		return Prober{}, fmt.Errorf("%w: prober %q", ErrNotFound, name)
	}
	return p, nil
}

func (m *Memory) TargetsFor(_ context.Context, proberName string) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]Target, len(m.targets[proberName]))
	copy(targets, m.targets[proberName])
	return targets, nil
}

func (m *Memory) Pairs(_ context.Context) ([]Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]Pair, len(m.pairs))
	copy(pairs, m.pairs)
	return pairs, nil
}

func (m *Memory) GetUnread(_ context.Context) ([]ControlMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unread := m.messages
	m.messages = nil
	return unread, nil
}
