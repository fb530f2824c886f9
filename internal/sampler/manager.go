package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const allGPUs = "*"

// Manager polls every GPU from a single goroutine, caches the latest
// snapshot, and fans out updates to subscribers. The DCGM session behind
// the readers is not safe for concurrent use, so all reads are serialized.
type Manager struct {
	interval time.Duration
	readers  []*Reader
	byID     map[string]*Reader
	source   io.Closer
	logger   *slog.Logger

	// pollMu is held while readers touch the session.
	pollMu sync.Mutex
	closed bool

	mu          sync.RWMutex
	latest      map[string]Sample
	subscribers map[string]map[*subscriber]struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewManager builds a Manager from pre-constructed readers. source, if not
// nil, is closed together with the manager.
func NewManager(interval time.Duration, readers []*Reader, source io.Closer, logger *slog.Logger) (*Manager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]*Reader, len(readers))
	for _, reader := range readers {
		if reader == nil {
			return nil, fmt.Errorf("nil reader")
		}
		if _, dup := byID[reader.GPUID()]; dup {
			return nil, fmt.Errorf("duplicate reader for gpu %q", reader.GPUID())
		}
		byID[reader.GPUID()] = reader
	}

	manager := &Manager{
		interval:    interval,
		readers:     readers,
		byID:        byID,
		source:      source,
		logger:      logger.With("component", "sampler_manager"),
		latest:      make(map[string]Sample),
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
	return manager, nil
}

// Run polls all configured GPUs until the context is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.readers) == 0 {
		<-ctx.Done()
		return m.Close()
	}

	m.logger.Info("sampler started", "gpus", len(m.readers), "interval", m.interval)

	// Initial round to prime cache.
	m.pollAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err())
			return m.Close()
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

func (m *Manager) pollAll(ctx context.Context) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.closed {
		return
	}

	for _, reader := range m.readers {
		if ctx.Err() != nil {
			return
		}
		m.storeSample(reader.Sample())
	}
}

// Latest returns the most recent sample for the given GPU.
func (m *Manager) Latest(gpuID string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sample, ok := m.latest[gpuID]
	return sample, ok
}

// Subscribe registers a listener for updates on the given GPU.
func (m *Manager) Subscribe(gpuID string) (<-chan Sample, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[gpuID]; !ok {
		return nil, nil, fmt.Errorf("unknown gpu %q", gpuID)
	}

	sub := newSubscriber(1)
	m.addSubscriberLocked(gpuID, sub)

	if sample, ok := m.latest[gpuID]; ok {
		sub.send(sample)
	}

	unsubscribe := func() {
		m.removeSubscriber(gpuID, sub)
	}

	return sub.channel(), unsubscribe, nil
}

// SubscribeAll registers a listener for updates on every GPU. The channel
// buffers one polling round.
func (m *Manager) SubscribeAll() (<-chan Sample, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber(max(len(m.readers), 1))
	m.addSubscriberLocked(allGPUs, sub)

	unsubscribe := func() {
		m.removeSubscriber(allGPUs, sub)
	}
	return sub.channel(), unsubscribe
}

// GPUIDs returns the GPU ids managed by the sampler in polling order.
func (m *Manager) GPUIDs() []string {
	ids := make([]string, 0, len(m.readers))
	for _, reader := range m.readers {
		ids = append(ids, reader.GPUID())
	}
	return ids
}

// Ready reports whether all configured GPUs have published at least one sample.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id := range m.byID {
		if _, ok := m.latest[id]; !ok {
			return false
		}
	}

	return true
}

func (m *Manager) storeSample(sample Sample) {
	m.mu.Lock()
	m.latest[sample.GPUId] = sample

	targetSubs := make([]*subscriber, 0, len(m.subscribers[sample.GPUId])+len(m.subscribers[allGPUs]))
	for sub := range m.subscribers[sample.GPUId] {
		targetSubs = append(targetSubs, sub)
	}
	for sub := range m.subscribers[allGPUs] {
		targetSubs = append(targetSubs, sub)
	}
	m.mu.Unlock()

	for _, sub := range targetSubs {
		sub.send(sample)
	}
}

func (m *Manager) addSubscriberLocked(key string, sub *subscriber) {
	if _, ok := m.subscribers[key]; !ok {
		m.subscribers[key] = make(map[*subscriber]struct{})
	}
	m.subscribers[key][sub] = struct{}{}
}

func (m *Manager) removeSubscriber(key string, sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.subscribers, key)
		}
	}
	sub.close()
}

// Close waits for an in-flight polling round and releases the source.
// Safe for repeated use.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.pollMu.Lock()
		defer m.pollMu.Unlock()
		m.closed = true

		if m.source != nil {
			if err := m.source.Close(); err != nil {
				m.closeErr = fmt.Errorf("close sampler source: %w", err)
			}
		}
	})
	return m.closeErr
}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber(size int) *subscriber {
	return &subscriber{
		ch: make(chan Sample, size),
	}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
