package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Outcome is one of the two sides of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is one of the two recognised outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of the market.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// MarketStatus represents the lifecycle state of a market.
// Transitions: open -> closed -> resolved, with resolved terminal.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// PriceSnapshot is the normalized form of the externally supplied probability
// snapshot. Settlement only ever sees this explicit shape; the raw two-element
// encoding is parsed once at the store boundary.
type PriceSnapshot struct {
	Yes float64
	No  float64
}

// Diff returns the absolute distance between the two prices.
func (p PriceSnapshot) Diff() float64 {
	d := p.Yes - p.No
	if d < 0 {
		return -d
	}
	return d
}

// Leader returns the side with the higher price.
func (p PriceSnapshot) Leader() Outcome {
	if p.Yes > p.No {
		return OutcomeYes
	}
	return OutcomeNo
}

// ParsePriceSnapshot parses the serialized two-element price encoding used by
// the upstream odds collaborator: a JSON array whose first element is the YES
// price and second the NO price, each either a number or a numeric string
// (e.g. `["0.7","0.3"]` or `[0.7, 0.3]`). It returns an error for anything
// else, including prices outside [0, 1].
func ParsePriceSnapshot(raw []byte) (*PriceSnapshot, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("domain: empty price snapshot")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("domain: parse price snapshot: %w", err)
	}
	if len(elems) < 2 {
		return nil, fmt.Errorf("domain: price snapshot has %d elements, want 2", len(elems))
	}

	yes, err := parsePriceElem(elems[0])
	if err != nil {
		return nil, fmt.Errorf("domain: price snapshot yes: %w", err)
	}
	no, err := parsePriceElem(elems[1])
	if err != nil {
		return nil, fmt.Errorf("domain: price snapshot no: %w", err)
	}

	if yes < 0 || yes > 1 || no < 0 || no > 1 {
		return nil, fmt.Errorf("domain: price snapshot out of range: yes=%v no=%v", yes, no)
	}

	return &PriceSnapshot{Yes: yes, No: no}, nil
}

func parsePriceElem(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

// Market is a binary prediction market backed by a constant-product pool.
// ReserveYes and ReserveNo hold the pool's two reserves; their product is
// conserved across a fill except for the amount the fill injects. Version is
// bumped on every reserve mutation and guards against lost updates.
type Market struct {
	ID               string
	Question         string
	ReserveYes       float64
	ReserveNo        float64
	InitialLiquidity float64
	Status           MarketStatus
	ResolvedOutcome  *Outcome
	AutoResolve      bool
	Snapshot         *PriceSnapshot
	ClosesAt         time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OccupiedCapital is the pool capital currently tied up in this market,
// including any spread profit accumulated since creation.
func (m Market) OccupiedCapital() float64 {
	return m.ReserveYes + m.ReserveNo
}

// Overdue reports whether the market's closing time passed more than d ago.
func (m Market) Overdue(now time.Time, d time.Duration) bool {
	return now.Sub(m.ClosesAt) > d
}
