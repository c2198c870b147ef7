// Package trigger implements the per-variant trigger and sizing algorithms
// for conditional orders. Evaluators are pure over market data except for the
// documented trigger-state updates they make on the order itself (trailing
// ratchets, DCA/TWAP scheduling).
package trigger

import (
	"fmt"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// Evaluator decides whether an order should fire against a market snapshot
// and, when it does, what the adapter should execute.
type Evaluator interface {
	// ShouldTrigger reports whether the order's condition is met. It may
	// update the order's trigger state (e.g. ratchet a trailing stop or
	// reschedule a DCA tranche) even when it returns false.
	ShouldTrigger(o *domain.Order, md domain.MarketSnapshot) bool

	// ExecutionParams computes the execution request for a triggered order.
	// Only valid immediately after ShouldTrigger returned true for the same
	// snapshot.
	ExecutionParams(o *domain.Order, md domain.MarketSnapshot) domain.ExecutionParams
}

// Tunables are the heuristic multipliers shared by the sizing algorithms.
// The defaults mirror common practice but carry no analytical weight; they
// are exposed through engine configuration.
type Tunables struct {
	// VolatilityScale converts snapshot volatility into a trail-widening
	// multiplier, capped at VolatilityCap.
	VolatilityScale float64
	VolatilityCap   float64 // max widening multiplier (e.g. 2.0)

	// VolumeFloor is the tightest the volume adjustment may pull a trailing
	// distance (e.g. 0.5 = half the base distance).
	VolumeFloor float64

	// TrendBoostCap limits how much a DCA tranche may be scaled up when the
	// price is favorable relative to the running average (e.g. 1.5).
	TrendBoostCap float64
	// TrendBoostScale converts the favorable deviation fraction into a boost.
	TrendBoostScale float64

	// DCAVolatilityScale stretches the DCA interval under high volatility,
	// capped at a doubling.
	DCAVolatilityScale float64

	// EmergencySlippageFactor widens MaxSlippage for emergency exits.
	EmergencySlippageFactor float64
}

// DefaultTunables returns the stock multipliers.
func DefaultTunables() Tunables {
	return Tunables{
		VolatilityScale:         10,
		VolatilityCap:           2.0,
		VolumeFloor:             0.5,
		TrendBoostCap:           1.5,
		TrendBoostScale:         5,
		DCAVolatilityScale:      5,
		EmergencySlippageFactor: 3,
	}
}

// ForOrder returns the evaluator for the order's kind. The switch is
// exhaustive over the known kinds; an unknown kind is a programming error
// surfaced as a validation failure.
func ForOrder(o *domain.Order, tun Tunables) (Evaluator, error) {
	switch o.Kind {
	case domain.KindStopLoss:
		return &StopLoss{tun: tun}, nil
	case domain.KindTakeProfit:
		return &TakeProfit{}, nil
	case domain.KindStopLimit:
		return &StopLimit{}, nil
	case domain.KindTrailingStop:
		return &TrailingStop{tun: tun}, nil
	case domain.KindDCA:
		return &DCA{tun: tun, now: time.Now}, nil
	case domain.KindTWAP:
		return &TWAP{now: time.Now}, nil
	case domain.KindBracket:
		return &Bracket{}, nil
	default:
		return nil, fmt.Errorf("trigger: unknown order kind %q: %w", o.Kind, domain.ErrValidation)
	}
}

// exitLong reports whether an exit order protects a long position. Exit
// orders carry the closing side, so a sell order guards a long and a buy
// order guards a short.
func exitLong(o *domain.Order) bool {
	return o.Side == domain.SideSell
}

// idempotencyKey derives the duplicate-submission guard for the next adapter
// call: the order ID plus the count of fills and failed attempts so far, so a
// retried attempt reuses its key while a fresh tranche gets a new one.
func idempotencyKey(o *domain.Order) string {
	return fmt.Sprintf("%s:%d:%d", o.ID, len(o.Fills), o.ExecAttempts)
}
