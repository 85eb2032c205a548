package engine

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/rhuss/pforte/pkg/audit"
	"github.com/rhuss/pforte/pkg/breaker"
)

// CircuitAuditHook returns a breaker state change hook that emits
// circuit_opened, circuit_half_open and circuit_closed events to sink.
// Openings are high priority.
func CircuitAuditHook(sink audit.Sink, clk clock.Clock) breaker.StateChangeFunc {
	if clk == nil {
		clk = clock.New()
	}
	return func(target string, from, to breaker.State) {
		ev := audit.Event{
			Time:     clk.Now(),
			Status:   audit.StatusSuccess,
			Priority: audit.PriorityNormal,
			Attrs: map[string]string{
				"target": target,
				"from":   from.String(),
			},
		}
		switch to {
		case breaker.StateOpen:
			ev.Type = audit.EventCircuitOpened
			ev.Priority = audit.PriorityHigh
		case breaker.StateHalfOpen:
			ev.Type = audit.EventCircuitHalfOpen
		case breaker.StateClosed:
			ev.Type = audit.EventCircuitClosed
		default:
			return
		}
		sink.Emit(context.Background(), ev)
	}
}
