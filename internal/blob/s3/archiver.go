package s3blob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yesnolabs/marketd/internal/domain"
)

// Archiver writes a JSON snapshot of each settled market — outcome, pool
// totals, per-order payouts — so the full settlement record survives outside
// the live database.
type Archiver struct {
	writer domain.BlobWriter
}

// NewArchiver creates an Archiver over any blob writer.
func NewArchiver(writer domain.BlobWriter) *Archiver {
	return &Archiver{writer: writer}
}

// archiveOrder is the serialized per-order settlement record.
type archiveOrder struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	Side   string  `json:"side"`
	Amount float64 `json:"amount"`
	Fee    float64 `json:"fee"`
	Shares float64 `json:"shares"`
	Payout float64 `json:"payout"`
}

type archiveDoc struct {
	MarketID         string         `json:"market_id"`
	Question         string         `json:"question"`
	Outcome          string         `json:"outcome"`
	InitialLiquidity float64        `json:"initial_liquidity"`
	TotalPool        float64        `json:"total_pool"`
	WinningPool      float64        `json:"winning_pool"`
	TotalPayout      float64        `json:"total_payout"`
	UsersPaid        int            `json:"users_paid"`
	Recovered        float64        `json:"recovered"`
	ProfitLoss       float64        `json:"profit_loss"`
	BadDebt          float64        `json:"bad_debt"`
	Orders           []archiveOrder `json:"orders"`
}

// ArchiveMarket uploads the settlement snapshot under
// settlements/YYYY/MM/market-<id>.json, keyed by the market's closing time.
func (a *Archiver) ArchiveMarket(ctx context.Context, m domain.Market, res domain.SettleResult, orders []domain.Order) error {
	doc := archiveDoc{
		MarketID:         m.ID,
		Question:         m.Question,
		Outcome:          string(res.Outcome),
		InitialLiquidity: m.InitialLiquidity,
		TotalPool:        res.TotalPool,
		WinningPool:      res.WinningPool,
		TotalPayout:      res.TotalPayout,
		UsersPaid:        res.UsersPaid,
		Recovered:        res.Recovered,
		ProfitLoss:       res.ProfitLoss,
		BadDebt:          res.BadDebt,
		Orders:           make([]archiveOrder, 0, len(orders)),
	}
	for _, o := range orders {
		doc.Orders = append(doc.Orders, archiveOrder{
			ID:     o.ID,
			UserID: o.UserID,
			Side:   string(o.Side),
			Amount: o.Amount,
			Fee:    o.Fee,
			Shares: o.Shares,
			Payout: o.Payout,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal settlement archive for market %s: %w", m.ID, err)
	}

	key := fmt.Sprintf("settlements/%04d/%02d/market-%s.json",
		m.ClosesAt.Year(), int(m.ClosesAt.Month()), m.ID)
	return a.writer.Put(ctx, key, data, "application/json")
}
