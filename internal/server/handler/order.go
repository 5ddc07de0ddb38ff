package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yesnolabs/marketd/internal/domain"
	"github.com/yesnolabs/marketd/internal/service"
)

// TradeService defines the methods that the order handler requires from the
// service layer.
type TradeService interface {
	PlaceOrder(ctx context.Context, params service.PlaceOrderParams) (service.PlaceOrderResult, error)
	Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error)
}

// OrderHandler serves order placement.
type OrderHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(trades TradeService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		trades: trades,
		logger: logger,
	}
}

// placeOrderRequest is the JSON body for order placement.
type placeOrderRequest struct {
	MarketID   string   `json:"market_id"`
	UserID     string   `json:"user_id"`
	Side       string   `json:"side"`
	Amount     float64  `json:"amount"`
	Kind       string   `json:"kind"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
}

// placeOrderResponse reports the persisted order and how it was filled.
type placeOrderResponse struct {
	Order domain.Order       `json:"order"`
	Match domain.MatchResult `json:"match"`
}

// PlaceOrder places a market or limit order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	kind := domain.OrderKind(req.Kind)
	if req.Kind == "" {
		kind = domain.OrderKindMarket
	}

	result, err := h.trades.PlaceOrder(r.Context(), service.PlaceOrderParams{
		MarketID:   req.MarketID,
		UserID:     req.UserID,
		Side:       domain.Outcome(req.Side),
		Amount:     req.Amount,
		Kind:       kind,
		LimitPrice: req.LimitPrice,
	})
	if err != nil {
		if domain.KindOf(err) != domain.KindValidation {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("market_id", req.MarketID),
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResponse{
		Order: result.Order,
		Match: result.Match,
	})
}

// listTransactionsResponse wraps a user's ledger entries.
type listTransactionsResponse struct {
	UserID       string               `json:"user_id"`
	Transactions []domain.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// ListTransactions returns a user's ledger entries.
// GET /api/users/{id}/transactions
func (h *OrderHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "id")
	opts := parseListOpts(r)

	entries, err := h.trades.Transactions(r.Context(), userID, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, listTransactionsResponse{
		UserID:       userID,
		Transactions: entries,
		Limit:        opts.Limit,
		Offset:       opts.Offset,
	})
}
