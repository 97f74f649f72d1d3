package pool

import (
	"context"
	"math"

	"github.com/nzbcore/nzbcore/internal/config"
)

// UsageContext classifies why a caller wants an NNTP connection. It drives
// admission control ahead of nntppool's own connection limit so that a
// queue backlog can never starve an interactively streamed read.
type UsageContext string

const (
	UsageQueue             UsageContext = "queue"
	UsageStreaming         UsageContext = "streaming"
	UsageBufferedStreaming UsageContext = "buffered_streaming"
	UsageHealthCheck       UsageContext = "health_check"
	UsageRepair            UsageContext = "repair"
	UsageAnalysis          UsageContext = "analysis"
)

func (u UsageContext) isStreaming() bool {
	return u == UsageStreaming || u == UsageBufferedStreaming
}

// gate is a software admission layer sitting in front of one provider's
// nntppool connections. Its capacity mirrors that provider's own
// max_connections, split into a pool any usage can draw from and a slice
// reserved for Streaming alone, so Streaming against this provider never
// queues behind a saturated ingest queue even though both ultimately
// share the same nntppool client. Every provider gets its own gate, so a
// backlog against one provider can never block Streaming from reaching a
// different, idle provider.
type gate struct {
	shared   chan struct{}
	reserved chan struct{}
}

// newGate sizes the admission layer off cfg's own max_connections,
// reserving cfg.ReserveFraction() of that capacity for Streaming.
func newGate(cfg config.ProviderConfig) *gate {
	total := cfg.MaxConnections
	if total < 1 {
		total = 1
	}
	reserved := int(math.Ceil(float64(total) * cfg.ReserveFraction()))
	if reserved >= total {
		reserved = total - 1
	}
	if reserved < 0 {
		reserved = 0
	}
	shared := total - reserved

	g := &gate{
		shared:   make(chan struct{}, shared),
		reserved: make(chan struct{}, reserved),
	}
	for i := 0; i < shared; i++ {
		g.shared <- struct{}{}
	}
	for i := 0; i < reserved; i++ {
		g.reserved <- struct{}{}
	}
	return g
}

// acquire blocks until a slot is admitted for usage, or ctx is done. The
// returned release func must be called exactly once.
func (g *gate) acquire(ctx context.Context, usage UsageContext) (func(), error) {
	if usage.isStreaming() {
		select {
		case <-g.reserved:
			return func() { g.reserved <- struct{}{} }, nil
		default:
		}
		select {
		case <-g.reserved:
			return func() { g.reserved <- struct{}{} }, nil
		case <-g.shared:
			return func() { g.shared <- struct{}{} }, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case <-g.shared:
		return func() { g.shared <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
