package metrics

import (
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
)

// Noop discards every metric. Components fall back to it when no sink is wired.
type Noop struct{}

func (Noop) RecordBreakerTransition(interfaces.BreakerEvent) {}
func (Noop) RecordBreakerRejection(string)                   {}
func (Noop) SetBreakerOpenRatio(string, float64)             {}
func (Noop) RecordEndpointError(string, string)              {}
func (Noop) RecordEndpointFailover(string, string, string)   {}
func (Noop) RecordIdempotencyHit()                           {}
func (Noop) RecordIdempotencyMiss()                          {}
func (Noop) RecordIdempotencyEviction(int)                   {}
func (Noop) RecordPoolDetected(string)                       {}
func (Noop) RecordPoolDebounced()                            {}
func (Noop) RecordPoolDropped(string)                        {}
func (Noop) RecordParseError(string)                         {}
func (Noop) RecordReconnect(time.Duration)                   {}
func (Noop) RecordPing()                                     {}
func (Noop) SetWatcherState(interfaces.WatcherState)         {}
