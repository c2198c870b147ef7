package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantfabric/orderpilot/internal/domain"
)

// RelayAdapter implements domain.ExecutionAdapter against an external
// execution relay. The relay holds the signing keys and performs the actual
// on-chain swap; this process never touches private keys. The relay is
// expected to honor the idempotency key: a retried request with the same key
// returns the original fill instead of trading again.
type RelayAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRelayAdapter creates a RelayAdapter for the given relay endpoint.
func NewRelayAdapter(baseURL, apiKey string) *RelayAdapter {
	return &RelayAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// relayRequest is the wire shape posted to the relay's /execute endpoint.
type relayRequest struct {
	OrderID        string  `json:"order_id"`
	PairAddress    string  `json:"pair_address"`
	OrderType      string  `json:"order_type"`
	Quantity       float64 `json:"quantity"`
	Price          float64 `json:"price,omitempty"`
	MaxSlippage    float64 `json:"max_slippage"`
	Urgent         bool    `json:"urgent"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// relayResponse is the relay's report of the attempted trade.
type relayResponse struct {
	Success      bool    `json:"success"`
	FillPrice    float64 `json:"fill_price"`
	FillQuantity float64 `json:"fill_quantity"`
	Fee          float64 `json:"fee"`
	TxRef        string  `json:"tx_ref"`
	Error        string  `json:"error,omitempty"`
}

// Execute posts the trade to the relay and maps its response back.
func (r *RelayAdapter) Execute(ctx context.Context, orderID string, params domain.ExecutionParams) (domain.ExecutionResult, error) {
	body, err := json.Marshal(relayRequest{
		OrderID:        orderID,
		PairAddress:    params.PairAddress,
		OrderType:      string(params.OrderType),
		Quantity:       params.Quantity,
		Price:          params.Price,
		MaxSlippage:    params.MaxSlippage,
		Urgent:         params.Urgent,
		IdempotencyKey: params.IdempotencyKey,
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: execute order %s: %w", orderID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.ExecutionResult{}, fmt.Errorf("relay: execute order %s: status %d: %s", orderID, resp.StatusCode, string(respBody))
	}

	var rr relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("relay: decode response for order %s: %w", orderID, err)
	}

	if !rr.Success && rr.Error != "" {
		return domain.ExecutionResult{}, fmt.Errorf("relay: order %s rejected: %s", orderID, rr.Error)
	}

	return domain.ExecutionResult{
		Success:      rr.Success,
		FillPrice:    rr.FillPrice,
		FillQuantity: rr.FillQuantity,
		Fee:          rr.Fee,
		TxRef:        rr.TxRef,
	}, nil
}

// Compile-time interface check.
var _ domain.ExecutionAdapter = (*RelayAdapter)(nil)
