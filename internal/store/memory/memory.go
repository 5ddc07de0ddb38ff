// Package memory implements domain.Store on in-process maps. It backs tests
// and local experiments; the wire-format and transactional semantics mirror
// the postgres implementation, including optimistic version checks and
// rollback on transaction failure.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yesnolabs/marketd/internal/domain"
)

// Store is an in-memory domain.Store guarded by one mutex. Direct calls lock
// per statement; WithinTx holds the lock for the whole unit and restores a
// snapshot if the unit fails, so partial writes never become visible.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Store with the three system accounts seeded, matching
// what the postgres migration does.
func New() *Store {
	s := &Store{st: newState()}
	now := time.Now().UTC()
	for id, role := range map[string]domain.AccountRole{
		domain.AccountIDFee:              domain.RoleFee,
		domain.AccountIDAMMPool:          domain.RoleAMMPool,
		domain.AccountIDLiquidityReserve: domain.RoleLiquidityReserve,
	} {
		s.st.accounts[id] = domain.Account{ID: id, Role: role, CreatedAt: now, UpdatedAt: now}
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(ctx, &view{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Markets() domain.MarketStore           { return lockedMarkets{s} }
func (s *Store) Orders() domain.OrderStore             { return lockedOrders{s} }
func (s *Store) Positions() domain.PositionStore       { return lockedPositions{s} }
func (s *Store) Accounts() domain.AccountStore         { return lockedAccounts{s} }
func (s *Store) Transactions() domain.TransactionStore { return lockedTransactions{s} }

var _ domain.Store = (*Store)(nil)

// state holds every table. Store methods replace whole structs on write and
// never mutate through stored pointers, so a shallow map copy is a valid
// snapshot.
type state struct {
	markets   map[string]domain.Market
	orders    map[string]domain.Order
	positions map[string]domain.Position
	accounts  map[string]domain.Account
	ledger    []domain.Transaction
}

func newState() *state {
	return &state{
		markets:   make(map[string]domain.Market),
		orders:    make(map[string]domain.Order),
		positions: make(map[string]domain.Position),
		accounts:  make(map[string]domain.Account),
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.positions {
		c.positions[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	c.ledger = append(c.ledger, st.ledger...)
	return c
}

// view implements domain.Tx directly over a state. It does no locking; the
// Store wrappers above hold the lock around it.
type view struct{ st *state }

func (v *view) Markets() domain.MarketStore           { return marketTable{v.st} }
func (v *view) Orders() domain.OrderStore             { return orderTable{v.st} }
func (v *view) Positions() domain.PositionStore       { return positionTable{v.st} }
func (v *view) Accounts() domain.AccountStore         { return accountTable{v.st} }
func (v *view) Transactions() domain.TransactionStore { return transactionTable{v.st} }

type marketTable struct{ st *state }

func (t marketTable) Create(_ context.Context, m domain.Market) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := t.st.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	t.st.markets[m.ID] = m
	return nil
}

func (t marketTable) GetByID(_ context.Context, id string) (domain.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (t marketTable) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	out := make([]domain.Market, 0, len(t.st.markets))
	for _, m := range t.st.markets {
		if opts.Since != nil && m.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && m.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (t marketTable) ListSettleable(_ context.Context, cutoff time.Time) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range t.st.markets {
		if !m.AutoResolve || m.ResolvedOutcome != nil {
			continue
		}
		if m.Status == domain.MarketStatusResolved || m.Status == domain.MarketStatusCancelled {
			continue
		}
		if m.ClosesAt.After(cutoff) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosesAt.Before(out[j].ClosesAt) })
	return out, nil
}

func (t marketTable) UpdateReserves(_ context.Context, id string, reserveYes, reserveNo float64, version int64) error {
	m, ok := t.st.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Version != version {
		return domain.ErrVersionConflict
	}
	m.ReserveYes = reserveYes
	m.ReserveNo = reserveNo
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	t.st.markets[id] = m
	return nil
}

func (t marketTable) Resolve(_ context.Context, id string, outcome domain.Outcome) error {
	m, ok := t.st.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status == domain.MarketStatusResolved {
		return domain.Errorf(domain.KindAlreadySettled, "market %s already resolved", id)
	}
	o := outcome
	m.Status = domain.MarketStatusResolved
	m.ResolvedOutcome = &o
	m.ReserveYes = 0
	m.ReserveNo = 0
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	t.st.markets[id] = m
	return nil
}

func (t marketTable) MarkClosedUnresolved(_ context.Context, id string) error {
	m, ok := t.st.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = domain.MarketStatusClosed
	m.ResolvedOutcome = nil
	m.UpdatedAt = time.Now().UTC()
	t.st.markets[id] = m
	return nil
}

type orderTable struct{ st *state }

func (t orderTable) Create(_ context.Context, o domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, ok := t.st.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t orderTable) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (t orderTable) ListByMarket(_ context.Context, marketID string) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.MarketID == marketID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t orderTable) ListRestingLimit(_ context.Context, marketID string, side domain.Outcome, maxPrice float64, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.st.orders {
		if o.MarketID != marketID || o.Side != side {
			continue
		}
		if o.Kind != domain.OrderKindLimit || o.Status != domain.OrderStatusPending {
			continue
		}
		if o.LimitPrice == nil || *o.LimitPrice > maxPrice || o.Remaining <= 0 {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if *out[i].LimitPrice != *out[j].LimitPrice {
			return *out[i].LimitPrice < *out[j].LimitPrice
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t orderTable) Consume(_ context.Context, id string, amount float64) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Remaining -= amount
	if o.Remaining <= 1e-9 {
		o.Remaining = 0
		o.Status = domain.OrderStatusFilled
	}
	t.st.orders[id] = o
	return nil
}

func (t orderTable) SetPayout(_ context.Context, id string, payout float64) error {
	o, ok := t.st.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	o.Payout = payout
	o.SettledAt = &now
	t.st.orders[id] = o
	return nil
}

type positionTable struct{ st *state }

func (t positionTable) Create(_ context.Context, p domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := t.st.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	t.st.positions[p.ID] = p
	return nil
}

func (t positionTable) Update(_ context.Context, p domain.Position) error {
	if _, ok := t.st.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	t.st.positions[p.ID] = p
	return nil
}

func (t positionTable) GetForUpdate(_ context.Context, userID, marketID string, side domain.Outcome) (domain.Position, error) {
	for _, p := range t.st.positions {
		if p.UserID == userID && p.MarketID == marketID && p.Side == side && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (t positionTable) ListOpenByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range t.st.positions {
		if p.MarketID == marketID && p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (t positionTable) CloseAllForMarket(_ context.Context, marketID string) (int64, error) {
	now := time.Now().UTC()
	var n int64
	for id, p := range t.st.positions {
		if p.MarketID != marketID || p.Status != domain.PositionStatusOpen {
			continue
		}
		p.Status = domain.PositionStatusClosed
		p.ClosedAt = &now
		t.st.positions[id] = p
		n++
	}
	return n, nil
}

type accountTable struct{ st *state }

func (t accountTable) Create(_ context.Context, a domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := t.st.accounts[a.ID]; ok {
		return domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	t.st.accounts[a.ID] = a
	return nil
}

func (t accountTable) GetByID(_ context.Context, id string) (domain.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (t accountTable) GetByUser(_ context.Context, userID string) (domain.Account, error) {
	for _, a := range t.st.accounts {
		if a.Role == domain.RoleUser && a.UserID == userID {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (t accountTable) GetByRole(_ context.Context, role domain.AccountRole) (domain.Account, error) {
	for _, a := range t.st.accounts {
		if a.Role == role {
			return a, nil
		}
	}
	return domain.Account{}, domain.ErrNotFound
}

func (t accountTable) Add(_ context.Context, id string, delta float64) error {
	a, ok := t.st.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Balance += delta
	a.UpdatedAt = time.Now().UTC()
	t.st.accounts[id] = a
	return nil
}

type transactionTable struct{ st *state }

func (t transactionTable) Create(_ context.Context, tr domain.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	if tr.Status == "" {
		tr.Status = domain.TxStatusCompleted
	}
	t.st.ledger = append(t.st.ledger, tr)
	return nil
}

func (t transactionTable) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, tr := range t.st.ledger {
		if tr.AccountID != accountID {
			continue
		}
		if opts.Since != nil && tr.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && tr.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, tr)
	}
	return paginate(out, opts), nil
}

func (t transactionTable) SumByAccount(_ context.Context, accountID string) (float64, error) {
	var sum float64
	for _, tr := range t.st.ledger {
		if tr.AccountID == accountID && tr.Status == domain.TxStatusCompleted {
			sum += tr.Amount
		}
	}
	return sum, nil
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(in) {
			return nil
		}
		in = in[opts.Offset:]
	}
	if opts.Limit > 0 && len(in) > opts.Limit {
		in = in[:opts.Limit]
	}
	return in
}

type lockedMarkets struct{ s *Store }

func (l lockedMarkets) Create(ctx context.Context, m domain.Market) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.Create(ctx, m)
}

func (l lockedMarkets) GetByID(ctx context.Context, id string) (domain.Market, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.GetByID(ctx, id)
}

func (l lockedMarkets) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.List(ctx, opts)
}

func (l lockedMarkets) ListSettleable(ctx context.Context, cutoff time.Time) ([]domain.Market, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.ListSettleable(ctx, cutoff)
}

func (l lockedMarkets) UpdateReserves(ctx context.Context, id string, yes, no float64, version int64) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.UpdateReserves(ctx, id, yes, no, version)
}

func (l lockedMarkets) Resolve(ctx context.Context, id string, outcome domain.Outcome) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.Resolve(ctx, id, outcome)
}

func (l lockedMarkets) MarkClosedUnresolved(ctx context.Context, id string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return marketTable{l.s.st}.MarkClosedUnresolved(ctx, id)
}

type lockedOrders struct{ s *Store }

func (l lockedOrders) Create(ctx context.Context, o domain.Order) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.Create(ctx, o)
}

func (l lockedOrders) GetByID(ctx context.Context, id string) (domain.Order, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.GetByID(ctx, id)
}

func (l lockedOrders) ListByMarket(ctx context.Context, marketID string) ([]domain.Order, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.ListByMarket(ctx, marketID)
}

func (l lockedOrders) ListRestingLimit(ctx context.Context, marketID string, side domain.Outcome, maxPrice float64, limit int) ([]domain.Order, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.ListRestingLimit(ctx, marketID, side, maxPrice, limit)
}

func (l lockedOrders) Consume(ctx context.Context, id string, amount float64) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.Consume(ctx, id, amount)
}

func (l lockedOrders) SetPayout(ctx context.Context, id string, payout float64) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return orderTable{l.s.st}.SetPayout(ctx, id, payout)
}

type lockedPositions struct{ s *Store }

func (l lockedPositions) Create(ctx context.Context, p domain.Position) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return positionTable{l.s.st}.Create(ctx, p)
}

func (l lockedPositions) Update(ctx context.Context, p domain.Position) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return positionTable{l.s.st}.Update(ctx, p)
}

func (l lockedPositions) GetForUpdate(ctx context.Context, userID, marketID string, side domain.Outcome) (domain.Position, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return positionTable{l.s.st}.GetForUpdate(ctx, userID, marketID, side)
}

func (l lockedPositions) ListOpenByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return positionTable{l.s.st}.ListOpenByMarket(ctx, marketID)
}

func (l lockedPositions) CloseAllForMarket(ctx context.Context, marketID string) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return positionTable{l.s.st}.CloseAllForMarket(ctx, marketID)
}

type lockedAccounts struct{ s *Store }

func (l lockedAccounts) Create(ctx context.Context, a domain.Account) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return accountTable{l.s.st}.Create(ctx, a)
}

func (l lockedAccounts) GetByID(ctx context.Context, id string) (domain.Account, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return accountTable{l.s.st}.GetByID(ctx, id)
}

func (l lockedAccounts) GetByUser(ctx context.Context, userID string) (domain.Account, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return accountTable{l.s.st}.GetByUser(ctx, userID)
}

func (l lockedAccounts) GetByRole(ctx context.Context, role domain.AccountRole) (domain.Account, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return accountTable{l.s.st}.GetByRole(ctx, role)
}

func (l lockedAccounts) Add(ctx context.Context, id string, delta float64) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return accountTable{l.s.st}.Add(ctx, id, delta)
}

type lockedTransactions struct{ s *Store }

func (l lockedTransactions) Create(ctx context.Context, tr domain.Transaction) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return transactionTable{l.s.st}.Create(ctx, tr)
}

func (l lockedTransactions) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return transactionTable{l.s.st}.ListByAccount(ctx, accountID, opts)
}

func (l lockedTransactions) SumByAccount(ctx context.Context, accountID string) (float64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return transactionTable{l.s.st}.SumByAccount(ctx, accountID)
}
