package domain

import "time"

// Side indicates whether an order buys or sells the base token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the inverse side (buy -> sell, sell -> buy).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind identifies which conditional order variant an Order is.
type OrderKind string

const (
	KindStopLoss     OrderKind = "stop_loss"
	KindTakeProfit   OrderKind = "take_profit"
	KindStopLimit    OrderKind = "stop_limit"
	KindTrailingStop OrderKind = "trailing_stop"
	KindDCA          OrderKind = "dca"
	KindTWAP         OrderKind = "twap"
	KindBracket      OrderKind = "bracket"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether the status can never transition again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// ExecOrderType is the execution style requested from the adapter.
type ExecOrderType string

const (
	ExecMarket ExecOrderType = "market"
	ExecLimit  ExecOrderType = "limit"
)

// Fill records one executed tranche of an order.
type Fill struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	TxRef     string    `json:"tx_ref"`
}

// ExecutionParams describes what the adapter should execute when a trigger
// fires.
type ExecutionParams struct {
	OrderType      ExecOrderType
	PairAddress    string // set by the engine before dispatch
	Quantity       float64
	Price          float64 // limit price; zero for market orders
	MaxSlippage    float64 // fraction, e.g. 0.01 = 1%
	Urgent         bool
	IdempotencyKey string
}

// ExecutionResult is the adapter's report of an attempted on-chain trade.
type ExecutionResult struct {
	Success      bool
	FillPrice    float64
	FillQuantity float64
	Fee          float64
	TxRef        string
}

// Order is one conditional instruction. Exactly one of the variant parameter
// structs (StopLoss, TakeProfit, ...) is non-nil, matching Kind.
//
// Quantity semantics: for every kind except DCA, Quantity and fills are in
// base-token units. For DCA, Quantity is the total investment in quote units
// and each fill's Quantity is the quote amount spent by that tranche, so the
// budget invariant Quantity - TotalFilled >= 0 holds uniformly.
type Order struct {
	ID            string
	UserID        string
	GroupID       string // shared by bracket/DCA/TWAP families
	ParentOrderID string // set on bracket children
	PositionID    string // position this order opens or closes, when known

	Kind OrderKind
	Side Side

	TokenAddress string
	PairAddress  string
	Chain        string
	DEX          string

	Quantity    float64
	TotalFilled float64

	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time

	MaxSlippage float64 // fraction
	MaxGasPrice float64 // in native gas units; zero = no cap

	Fills        []Fill
	ExecAttempts int    // failed adapter attempts since the last fill
	LastError    string

	StopLoss   *StopLossParams
	TakeProfit *TakeProfitParams
	StopLimit  *StopLimitParams
	Trailing   *TrailingStopParams
	DCA        *DCAParams
	TWAP       *TWAPParams
	Bracket    *BracketParams
}

// Remaining returns the unfilled quantity. Never negative.
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.TotalFilled
	if r < 0 {
		return 0
	}
	return r
}

// Exit reports whether this order reduces an existing position rather than
// opening one. Bracket entries and DCA tranches accumulate; everything else
// closes.
func (o *Order) Exit() bool {
	switch o.Kind {
	case KindStopLoss, KindTakeProfit, KindStopLimit, KindTrailingStop:
		return true
	case KindTWAP:
		// A TWAP order unwinds a position when it carries a position link.
		return o.PositionID != ""
	}
	return false
}

// ApplyFill appends the fill and updates quantity accounting and status.
// When the remaining quantity reaches zero the order becomes filled.
func (o *Order) ApplyFill(f Fill) {
	o.Fills = append(o.Fills, f)
	o.TotalFilled += f.Quantity
	if o.TotalFilled > o.Quantity {
		o.TotalFilled = o.Quantity
	}
	o.ExecAttempts = 0
	o.LastError = ""
	o.UpdatedAt = f.Timestamp
	if o.Remaining() <= quantityEpsilon {
		o.TotalFilled = o.Quantity
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// AvgFillPrice returns the quantity-weighted average price across all fills,
// or zero when nothing has filled.
func (o *Order) AvgFillPrice() float64 {
	var qty, notional float64
	for _, f := range o.Fills {
		qty += f.Quantity
		notional += f.Price * f.Quantity
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// Clone returns a deep copy. Snapshots handed outside the engine lock (to
// stores, the event bus, callers) must not alias the live order's variant
// params or fills, which the evaluation tick keeps mutating.
func (o *Order) Clone() Order {
	c := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	if o.StopLoss != nil {
		p := *o.StopLoss
		c.StopLoss = &p
	}
	if o.TakeProfit != nil {
		p := *o.TakeProfit
		if o.TakeProfit.ScaleOut != nil {
			p.ScaleOut = make([]ScaleOutLevel, len(o.TakeProfit.ScaleOut))
			copy(p.ScaleOut, o.TakeProfit.ScaleOut)
		}
		c.TakeProfit = &p
	}
	if o.StopLimit != nil {
		p := *o.StopLimit
		c.StopLimit = &p
	}
	if o.Trailing != nil {
		p := *o.Trailing
		if o.Trailing.Adjustments != nil {
			p.Adjustments = make([]TrailingAdjustment, len(o.Trailing.Adjustments))
			copy(p.Adjustments, o.Trailing.Adjustments)
		}
		c.Trailing = &p
	}
	if o.DCA != nil {
		p := *o.DCA
		c.DCA = &p
	}
	if o.TWAP != nil {
		p := *o.TWAP
		c.TWAP = &p
	}
	if o.Bracket != nil {
		p := *o.Bracket
		c.Bracket = &p
	}
	return c
}

// quantityEpsilon absorbs float accumulation noise when deciding whether an
// order is fully filled.
const quantityEpsilon = 1e-9

// StopLossParams configures the stop-loss variant. The order side is the exit
// side: a sell stop-loss protects a long position, a buy stop-loss a short.
type StopLossParams struct {
	StopPrice  float64
	EntryPrice float64

	TrailingEnabled      bool
	TrailingPct          float64 // fraction of current price; zero = use TrailingAmount
	TrailingAmount       float64 // absolute distance
	MinProfitBeforeTrail float64 // fraction of entry price before the stop starts trailing

	EmergencyExit bool // widen slippage to force the fill
}

// ScaleOutLevel is one (price, percentage) rung of a scaled take-profit.
type ScaleOutLevel struct {
	Price      float64
	Percentage float64 // percent of total quantity to close at this level
}

// TakeProfitParams configures the take-profit variant.
type TakeProfitParams struct {
	TargetPrice float64
	EntryPrice  float64

	// ScaleOut levels must be ordered from nearest to furthest target.
	ScaleOut      []ScaleOutLevel
	LevelsFilled  int // number of ScaleOut levels already executed

	MinHoldTime     time.Duration // gate: order age before it may fire
	MinProfitAmount float64       // gate: absolute profit on the remaining quantity
}

// StopLimitParams configures the stop-limit variant. When LimitPrice is zero
// it is derived from StopPrice and LimitOffset at trigger time.
type StopLimitParams struct {
	StopPrice   float64
	LimitPrice  float64
	LimitOffset float64
	AutoAdjust  bool // nudge the limit toward the market for fill probability
}

// TrailingAdjustment records one ratchet of a trailing stop for audit.
type TrailingAdjustment struct {
	Price     float64   `json:"price"`
	StopPrice float64   `json:"stop_price"`
	Distance  float64   `json:"distance"`
	At        time.Time `json:"at"`
}

// TrailingStopParams configures the standalone trailing-stop variant.
type TrailingStopParams struct {
	EntryPrice        float64
	TrailingPct       float64 // fraction of best price; zero = use TrailingAmount
	TrailingAmount    float64 // absolute base distance
	MaxTrailingAmount float64 // clamp on the dynamic distance; zero = no clamp

	ActivationPrice     float64 // price that must be crossed before trailing arms
	MinProfitToActivate float64 // fraction of entry that must be in profit before arming

	VolatilityAdjustment bool
	VolumeAdjustment     bool
	AccelerationFactor   float64 // tightens the trail as profit accumulates

	// Mutable trigger state.
	Activated   bool
	BestPrice   float64
	StopPrice   float64
	Adjustments []TrailingAdjustment
}

// DCAParams configures the dollar-cost-average variant. TotalInvestment is
// mirrored in Order.Quantity (quote units).
type DCAParams struct {
	TotalInvestment         float64
	NumOrders               int
	Interval                time.Duration
	MinPrice                float64 // zero = unbounded
	MaxPrice                float64 // zero = unbounded
	PriceDeviationThreshold float64 // max fraction from running average fill price
	AdjustForVolatility     bool    // stretch the interval when volatility is high
	AdjustForTrend          bool    // buy more below average, sell more above

	// Mutable trigger state.
	OrdersExecuted  int
	AvgFillPrice    float64
	NextExecutionAt time.Time
}

// AmountPerOrder returns the base tranche size in quote units.
func (p *DCAParams) AmountPerOrder() float64 {
	if p.NumOrders <= 0 {
		return 0
	}
	return p.TotalInvestment / float64(p.NumOrders)
}

// TWAPParams configures the time-weighted-average-price variant.
type TWAPParams struct {
	SliceSize            float64
	Duration             time.Duration
	MaxParticipationRate float64 // max fraction of observed volume per slice
	ImpactThreshold      float64 // max price move since the previous slice
	MinSliceInterval     time.Duration

	// Mutable trigger state.
	TotalSlices    int
	SlicesExecuted int
	LastSlicePrice float64
	NextSliceAt    time.Time
}

// BracketParams configures the bracket variant: an entry that spawns one
// stop-loss and one take-profit child on fill. Child IDs are allocated at
// creation so callers can reference them before the entry fills.
type BracketParams struct {
	EntryType       ExecOrderType
	LimitPrice      float64 // entry limit; zero for market entries
	StopLossPrice   float64
	TakeProfitPrice float64

	StopLossOrderID   string
	TakeProfitOrderID string
	ChildrenSpawned   bool
}
