package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return classify(err, "migrate")
}

// classify maps driver errors onto the model error kinds.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %s", what, model.ErrConflict, pgErr.ConstraintName)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%s: %w: %w", what, model.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Price observations ---

const priceColumns = `symbol, seq, price::TEXT, volume, cause, reason, timestamp`

func (s *PostgresStore) AppendPriceObservation(ctx context.Context, o *model.PriceObservation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_observations (symbol, seq, price, volume, cause, reason, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		o.Symbol, o.Seq, o.Price.String(), o.Volume, string(o.Cause), o.Reason, o.Timestamp,
	)
	return classify(err, "append price observation")
}

func (s *PostgresStore) QueryPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error) {
	if end.IsZero() {
		end = time.Now().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+`
		 FROM price_observations
		 WHERE symbol = $1 AND timestamp >= $2 AND timestamp < $3
		 ORDER BY seq`, symbol, start, end)
	if err != nil {
		return nil, classify(err, "query price history")
	}
	defer rows.Close()
	return scanObservations(rows)
}

func (s *PostgresStore) LatestPriceObservation(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+priceColumns+` FROM price_observations
		 WHERE symbol = $1 ORDER BY seq DESC LIMIT 1`, symbol)
	o, err := scanObservation(row)
	if err != nil {
		return nil, classify(err, "latest price "+symbol)
	}
	return o, nil
}

func (s *PostgresStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+priceColumns+` FROM price_observations
		 WHERE symbol = $1 AND cause IN ('buy', 'sell')
		 ORDER BY seq DESC LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, classify(err, "recent trades")
	}
	defer rows.Close()
	return scanObservations(rows)
}

func scanObservation(row rowScanner) (*model.PriceObservation, error) {
	var o model.PriceObservation
	var price, cause string
	if err := row.Scan(&o.Symbol, &o.Seq, &price, &o.Volume, &cause, &o.Reason, &o.Timestamp); err != nil {
		return nil, err
	}
	p, err := parseNumeric("price", price)
	if err != nil {
		return nil, err
	}
	o.Price = p
	o.Cause = model.Cause(cause)
	return &o, nil
}

func scanObservations(rows pgx.Rows) ([]model.PriceObservation, error) {
	var result []model.PriceObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// --- Users ---

const userColumns = `id, username, email, password_hash, role, points::TEXT, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, role, points, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.Points.String(), u.CreatedAt, u.UpdatedAt,
	)
	return classify(err, "create user "+u.Username)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return getUser(ctx, s.pool, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
}

func getUser(ctx context.Context, q queryer, sql, key string) (*model.User, error) {
	u, err := scanUser(q.QueryRow(ctx, sql, key))
	if err != nil {
		return nil, classify(err, "get user "+key)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, classify(err, "list users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var role, points string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &points, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	p, err := parseNumeric("points", points)
	if err != nil {
		return nil, err
	}
	u.Points = p
	return &u, nil
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	return getHolding(ctx, s.pool, userID, symbol, false)
}

func getHolding(ctx context.Context, q queryer, userID, symbol string, forUpdate bool) (*model.Holding, error) {
	sql := `SELECT user_id, symbol, shares, average_cost::TEXT, updated_at
		 FROM holdings WHERE user_id = $1 AND symbol = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	h, err := scanHolding(q.QueryRow(ctx, sql, userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Holding{UserID: userID, Symbol: symbol}, nil
	}
	if err != nil {
		return nil, classify(err, "get holding")
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, symbol string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, shares, average_cost::TEXT, updated_at
		 FROM holdings WHERE symbol = $1`, symbol)
	if err != nil {
		return nil, classify(err, "list holdings")
	}
	defer rows.Close()

	var result []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func scanHolding(row rowScanner) (*model.Holding, error) {
	var h model.Holding
	var avg string
	if err := row.Scan(&h.UserID, &h.Symbol, &h.Shares, &avg, &h.UpdatedAt); err != nil {
		return nil, err
	}
	a, err := parseNumeric("average_cost", avg)
	if err != nil {
		return nil, err
	}
	h.AverageCost = a
	return &h, nil
}

// --- Transactions ---

func (s *PostgresStore) QueryTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side, quantity, price::TEXT, total_amount::TEXT, limit_order_id, timestamp
		 FROM transactions WHERE user_id = $1
		 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify(err, "query transactions")
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var side, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &t.Quantity, &price, &total, &t.LimitOrderID, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		if t.Price, err = parseNumeric("price", price); err != nil {
			return nil, err
		}
		if t.TotalAmount, err = parseNumeric("total_amount", total); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Limit orders ---

const orderColumns = `id, user_id, symbol, side, quantity, target_price::TEXT, status,
	cancel_reason, executed_price::TEXT, created_at, executed_at, cancelled_at`

func (s *PostgresStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return getLimitOrder(ctx, s.pool, id, false)
}

func getLimitOrder(ctx context.Context, q queryer, id string, forUpdate bool) (*model.LimitOrder, error) {
	sql := `SELECT ` + orderColumns + ` FROM limit_orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, classify(err, "limit order "+id)
	}
	return o, nil
}

func (s *PostgresStore) SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return saveLimitOrder(ctx, s.pool, o)
}

func saveLimitOrder(ctx context.Context, q queryer, o *model.LimitOrder) error {
	_, err := q.Exec(ctx,
		`INSERT INTO limit_orders (id, user_id, symbol, side, quantity, target_price, status,
		                           cancel_reason, executed_price, created_at, executed_at, cancelled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, cancel_reason = EXCLUDED.cancel_reason,
		     executed_price = EXCLUDED.executed_price,
		     executed_at = EXCLUDED.executed_at, cancelled_at = EXCLUDED.cancelled_at`,
		o.ID, o.UserID, o.Symbol, string(o.Side), o.Quantity, o.TargetPrice.String(), string(o.Status),
		o.CancelReason, o.ExecutedPrice.String(), o.CreatedAt, o.ExecutedAt, o.CancelledAt,
	)
	return classify(err, "save limit order "+o.ID)
}

func (s *PostgresStore) QueryActiveLimitOrders(ctx context.Context, symbol string) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE symbol = $1 AND status = 'active'
		 ORDER BY created_at, id`, symbol)
	if err != nil {
		return nil, classify(err, "query active limit orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) QueryUserLimitOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders
		 WHERE user_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC`, userID, string(status))
	if err != nil {
		return nil, classify(err, "query user limit orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrder(row rowScanner) (*model.LimitOrder, error) {
	var o model.LimitOrder
	var side, target, status, executed string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &o.Quantity, &target, &status,
		&o.CancelReason, &executed, &o.CreatedAt, &o.ExecutedAt, &o.CancelledAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	var err error
	if o.TargetPrice, err = parseNumeric("target_price", target); err != nil {
		return nil, err
	}
	if o.ExecutedPrice, err = parseNumeric("executed_price", executed); err != nil {
		return nil, err
	}
	return &o, nil
}

// parseNumeric decodes a NUMERIC column selected as TEXT.
func parseNumeric(column, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Join(fmt.Errorf("corrupt %s %q", column, v), err)
	}
	return d, nil
}

func scanOrders(rows pgx.Rows) ([]model.LimitOrder, error) {
	var result []model.LimitOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

// --- Unit of work ---

// RunInTx wraps fn in a READ COMMITTED transaction. Row locks taken by the
// Tx (FOR UPDATE) serialize concurrent writers of the same user.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err, "begin")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return classify(tx.Commit(ctx), "commit")
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) SaveUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET points = $2::NUMERIC, role = $3, updated_at = $4 WHERE id = $1`,
		u.ID, u.Points.String(), string(u.Role), u.UpdatedAt,
	)
	return classify(err, "save user "+u.ID)
}

func (t *pgTx) GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	return getHolding(ctx, t.tx, userID, symbol, true)
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (user_id, symbol, shares, average_cost, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET shares = EXCLUDED.shares, average_cost = EXCLUDED.average_cost, updated_at = EXCLUDED.updated_at`,
		h.UserID, h.Symbol, h.Shares, h.AverageCost.String(), h.UpdatedAt,
	)
	return classify(err, "save holding")
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, symbol, side, quantity, price, total_amount, limit_order_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		tr.ID, tr.UserID, tr.Symbol, string(tr.Side), tr.Quantity,
		tr.Price.String(), tr.TotalAmount.String(), tr.LimitOrderID, tr.Timestamp,
	)
	return classify(err, "append transaction")
}

func (t *pgTx) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return getLimitOrder(ctx, t.tx, id, true)
}

func (t *pgTx) SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return saveLimitOrder(ctx, t.tx, o)
}
