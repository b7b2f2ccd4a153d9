package hostfeed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kestrelsec/kestrel/pkg/gateway"
	gatewayv1 "github.com/kestrelsec/kestrel/pkg/gateway/v1"
)

var (
	_ Feed     = (*FeedMock)(nil)
	_ Injector = (*InjectorMock)(nil)
)

type FeedMock struct {
	Running atomic.Bool
}

func (f *FeedMock) Start(_ context.Context) error {
	f.Running.Store(true)
	return nil
}

func (f *FeedMock) Stop() {
	f.Running.Store(false)
}

// InjectorMock records injected samples for inspection.
type InjectorMock struct {
	// InjectErr, when set, is returned for every Inject.
	InjectErr error

	mu      sync.Mutex
	samples []gatewayv1.Sample
}

func NewInjectorMock() *InjectorMock {
	return &InjectorMock{}
}

func (m *InjectorMock) Inject(s gatewayv1.Sample) error {
	if m.InjectErr != nil {
		return m.InjectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

// Samples snapshots everything injected so far.
func (m *InjectorMock) Samples() []gatewayv1.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gatewayv1.Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// OfType filters the recorded samples by event type.
func (m *InjectorMock) OfType(t gateway.EventType) []gatewayv1.Sample {
	var out []gatewayv1.Sample
	for _, s := range m.Samples() {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}
