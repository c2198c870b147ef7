package engine

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// validateOrder rejects malformed orders before they enter the state machine.
// Every failure wraps domain.ErrValidation so callers can classify it.
func validateOrder(o *domain.Order, now time.Time) error {
	if o == nil {
		return fmt.Errorf("engine: nil order: %w", domain.ErrValidation)
	}
	if o.UserID == "" {
		return fmt.Errorf("engine: missing user id: %w", domain.ErrValidation)
	}
	if !common.IsHexAddress(o.TokenAddress) {
		return fmt.Errorf("engine: token address %q: %w", o.TokenAddress, domain.ErrValidation)
	}
	if !common.IsHexAddress(o.PairAddress) {
		return fmt.Errorf("engine: pair address %q: %w", o.PairAddress, domain.ErrValidation)
	}
	if o.Chain == "" {
		return fmt.Errorf("engine: missing chain: %w", domain.ErrValidation)
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return fmt.Errorf("engine: side %q: %w", o.Side, domain.ErrValidation)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("engine: quantity %v must be positive: %w", o.Quantity, domain.ErrValidation)
	}
	if o.MaxSlippage < 0 || o.MaxSlippage > 1 {
		return fmt.Errorf("engine: max slippage %v out of [0,1]: %w", o.MaxSlippage, domain.ErrValidation)
	}
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		return fmt.Errorf("engine: expiry %v in the past: %w", o.ExpiresAt, domain.ErrValidation)
	}
	return validateParams(o)
}

// validateParams checks the variant parameter block matching the order kind.
func validateParams(o *domain.Order) error {
	switch o.Kind {
	case domain.KindStopLoss:
		p := o.StopLoss
		if p == nil || p.StopPrice <= 0 {
			return fmt.Errorf("engine: stop-loss needs a positive stop price: %w", domain.ErrValidation)
		}
		if p.EntryPrice > 0 {
			if o.Side == domain.SideSell && p.StopPrice >= p.EntryPrice {
				return fmt.Errorf("engine: long stop %v must sit below entry %v: %w", p.StopPrice, p.EntryPrice, domain.ErrValidation)
			}
			if o.Side == domain.SideBuy && p.StopPrice <= p.EntryPrice {
				return fmt.Errorf("engine: short stop %v must sit above entry %v: %w", p.StopPrice, p.EntryPrice, domain.ErrValidation)
			}
		}

	case domain.KindTakeProfit:
		p := o.TakeProfit
		if p == nil {
			return fmt.Errorf("engine: take-profit params missing: %w", domain.ErrValidation)
		}
		if p.TargetPrice <= 0 && len(p.ScaleOut) == 0 {
			return fmt.Errorf("engine: take-profit needs a target or scale-out levels: %w", domain.ErrValidation)
		}
		if p.EntryPrice > 0 && p.TargetPrice > 0 {
			if o.Side == domain.SideSell && p.TargetPrice <= p.EntryPrice {
				return fmt.Errorf("engine: long target %v must sit above entry %v: %w", p.TargetPrice, p.EntryPrice, domain.ErrValidation)
			}
			if o.Side == domain.SideBuy && p.TargetPrice >= p.EntryPrice {
				return fmt.Errorf("engine: short target %v must sit below entry %v: %w", p.TargetPrice, p.EntryPrice, domain.ErrValidation)
			}
		}
		var pct float64
		for i, lvl := range p.ScaleOut {
			if lvl.Price <= 0 || lvl.Percentage <= 0 {
				return fmt.Errorf("engine: scale-out level %d malformed: %w", i, domain.ErrValidation)
			}
			pct += lvl.Percentage
		}
		if len(p.ScaleOut) > 0 && pct > 100+1e-9 {
			return fmt.Errorf("engine: scale-out percentages sum to %v: %w", pct, domain.ErrValidation)
		}

	case domain.KindStopLimit:
		p := o.StopLimit
		if p == nil || p.StopPrice <= 0 {
			return fmt.Errorf("engine: stop-limit needs a positive stop price: %w", domain.ErrValidation)
		}
		if p.LimitPrice <= 0 && p.LimitOffset <= 0 {
			return fmt.Errorf("engine: stop-limit needs a limit price or offset: %w", domain.ErrValidation)
		}

	case domain.KindTrailingStop:
		p := o.Trailing
		if p == nil || (p.TrailingPct <= 0 && p.TrailingAmount <= 0) {
			return fmt.Errorf("engine: trailing stop needs a distance: %w", domain.ErrValidation)
		}
		if p.TrailingPct < 0 || p.TrailingPct >= 1 {
			return fmt.Errorf("engine: trailing pct %v out of (0,1): %w", p.TrailingPct, domain.ErrValidation)
		}

	case domain.KindDCA:
		p := o.DCA
		if p == nil || p.TotalInvestment <= 0 || p.NumOrders <= 0 || p.Interval <= 0 {
			return fmt.Errorf("engine: dca needs investment, order count and interval: %w", domain.ErrValidation)
		}
		if p.MinPrice > 0 && p.MaxPrice > 0 && p.MinPrice > p.MaxPrice {
			return fmt.Errorf("engine: dca price band inverted: %w", domain.ErrValidation)
		}

	case domain.KindTWAP:
		p := o.TWAP
		if p == nil || p.SliceSize <= 0 || p.Duration <= 0 {
			return fmt.Errorf("engine: twap needs slice size and duration: %w", domain.ErrValidation)
		}

	case domain.KindBracket:
		p := o.Bracket
		if p == nil || p.StopLossPrice <= 0 || p.TakeProfitPrice <= 0 {
			return fmt.Errorf("engine: bracket needs stop and target prices: %w", domain.ErrValidation)
		}
		if o.Side == domain.SideBuy && p.StopLossPrice >= p.TakeProfitPrice {
			return fmt.Errorf("engine: long bracket stop %v must sit below target %v: %w", p.StopLossPrice, p.TakeProfitPrice, domain.ErrValidation)
		}
		if o.Side == domain.SideSell && p.StopLossPrice <= p.TakeProfitPrice {
			return fmt.Errorf("engine: short bracket stop %v must sit above target %v: %w", p.StopLossPrice, p.TakeProfitPrice, domain.ErrValidation)
		}
		if p.EntryType == domain.ExecLimit && p.LimitPrice <= 0 {
			return fmt.Errorf("engine: bracket limit entry needs a limit price: %w", domain.ErrValidation)
		}

	default:
		return fmt.Errorf("engine: unknown order kind %q: %w", o.Kind, domain.ErrValidation)
	}
	return nil
}
