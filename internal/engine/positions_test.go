package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

func entryOrder(id, userID string, side domain.Side) *domain.Order {
	return &domain.Order{
		ID:           id,
		UserID:       userID,
		Side:         side,
		TokenAddress: "0x1111111111111111111111111111111111111111",
		PairAddress:  "0x2222222222222222222222222222222222222222",
		Chain:        "base",
		DEX:          "uniswap_v3",
	}
}

func TestLedgerOpenAndWeightedEntries(t *testing.T) {
	l := NewLedger()
	o := entryOrder("e1", "u1", domain.SideBuy)

	p := l.Open("u1", o, domain.Fill{Price: 100, Quantity: 10, Timestamp: time.Now()})
	if p.Side != domain.PositionLong || p.EntryPrice != 100 || p.Quantity != 10 {
		t.Fatalf("opened position = %+v", p)
	}
	if p.InvestedAmount != 1000 {
		t.Fatalf("invested = %v, want 1000", p.InvestedAmount)
	}

	if err := l.AddEntry(p.ID, "e2", domain.Fill{Price: 120, Quantity: 10}); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(p.ID)
	if got.EntryPrice != 110 {
		t.Errorf("weighted entry = %v, want 110", got.EntryPrice)
	}
	if got.Quantity != 20 || got.InvestedAmount != 2200 {
		t.Errorf("quantity/invested = %v/%v, want 20/2200", got.Quantity, got.InvestedAmount)
	}
}

func TestLedgerPartialCloseRealizesPnL(t *testing.T) {
	l := NewLedger()
	p := l.Open("u1", entryOrder("e1", "u1", domain.SideBuy), domain.Fill{Price: 100, Quantity: 10})

	price, qty := 130.0, 4.0
	closed, err := l.Close(p.ID, "x1", &price, &qty)
	if err != nil || closed {
		t.Fatalf("partial close: closed=%v err=%v", closed, err)
	}
	got, _ := l.Get(p.ID)
	if got.RealizedPnL != 120 {
		t.Errorf("realized = %v, want (130-100)*4 = 120", got.RealizedPnL)
	}
	if got.Quantity != 6 {
		t.Errorf("remaining = %v, want 6", got.Quantity)
	}

	// Full close of the rest.
	price = 90
	closed, err = l.Close(p.ID, "x2", &price, nil)
	if err != nil || !closed {
		t.Fatalf("full close: closed=%v err=%v", closed, err)
	}
	got, _ = l.Get(p.ID)
	if got.RealizedPnL != 120+(90-100)*6 {
		t.Errorf("realized = %v, want 60", got.RealizedPnL)
	}
	if got.Status != domain.PositionStatusClosed || got.ClosedAt == nil {
		t.Errorf("status = %q closedAt=%v, want closed", got.Status, got.ClosedAt)
	}
}

func TestLedgerShortPnLSign(t *testing.T) {
	l := NewLedger()
	p := l.Open("u1", entryOrder("e1", "u1", domain.SideSell), domain.Fill{Price: 100, Quantity: 10})
	if p.Side != domain.PositionShort {
		t.Fatalf("side = %q, want short", p.Side)
	}

	price := 80.0
	if _, err := l.Close(p.ID, "x1", &price, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(p.ID)
	if got.RealizedPnL != 200 {
		t.Errorf("short realized = %v, want (100-80)*10 = 200", got.RealizedPnL)
	}
}

func TestLedgerCloseWithoutPriceUsesMark(t *testing.T) {
	l := NewLedger()
	p := l.Open("u1", entryOrder("e1", "u1", domain.SideBuy), domain.Fill{Price: 100, Quantity: 10})

	l.MarkPrice("0x2222222222222222222222222222222222222222", 115)
	if _, err := l.Close(p.ID, "", nil, nil); err != nil {
		t.Fatal(err)
	}
	got, _ := l.Get(p.ID)
	if got.RealizedPnL != 150 {
		t.Errorf("realized = %v, want (115-100)*10 = 150", got.RealizedPnL)
	}
}

func TestLedgerCloseUnknownPosition(t *testing.T) {
	l := NewLedger()
	_, err := l.Close("missing", "", nil, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLedgerSummary(t *testing.T) {
	l := NewLedger()
	p1 := l.Open("u1", entryOrder("e1", "u1", domain.SideBuy), domain.Fill{Price: 100, Quantity: 10})
	l.Open("u1", entryOrder("e2", "u1", domain.SideBuy), domain.Fill{Price: 50, Quantity: 2})
	l.Open("other", entryOrder("e3", "other", domain.SideBuy), domain.Fill{Price: 1, Quantity: 1})

	price := 110.0
	l.Close(p1.ID, "x1", &price, nil)

	s := l.Summary("u1")
	if s.OpenPositions != 1 || s.ClosedPositions != 1 {
		t.Fatalf("open/closed = %d/%d, want 1/1", s.OpenPositions, s.ClosedPositions)
	}
	if s.TotalInvested != 100 {
		t.Errorf("invested = %v, want 100 (open positions only)", s.TotalInvested)
	}
	if s.TotalPnL != 100 { // realized 100 on p1, flat on p2
		t.Errorf("total pnl = %v, want 100", s.TotalPnL)
	}
	if len(s.Positions) != 2 {
		t.Errorf("positions = %d, want 2", len(s.Positions))
	}
}

func TestPositionUnrealizedPnL(t *testing.T) {
	p := domain.Position{Side: domain.PositionLong, EntryPrice: 100, Quantity: 5, CurrentPrice: 120, InvestedAmount: 500}
	if got := p.UnrealizedPnL(); got != 100 {
		t.Errorf("long unrealized = %v, want 100", got)
	}
	if got := p.PnLPercent(); got != 20 {
		t.Errorf("pnl pct = %v, want 20", got)
	}

	p.Side = domain.PositionShort
	if got := p.UnrealizedPnL(); got != -100 {
		t.Errorf("short unrealized = %v, want -100", got)
	}
}
