package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultTxAttempts = 5
	initialRetryDelay = 20 * time.Millisecond
	maxRetryDelay     = 640 * time.Millisecond
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Transactions run at SERIALIZABLE isolation and are retried on
// serialization failures.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, maxAttempts: defaultTxAttempts}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Migrate applies embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	files, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", f.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", f.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", f.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", f.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", f.Name(), err)
		}
	}
	return nil
}

// --- Market operations ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO markets (id, title, type, category, created_at, closes_at, multiplier,
			                      status, winning_option_id, creator_id, creator_role, resolved_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, NULLIF($9, ''), $10, $11, $12)
			 ON CONFLICT (id) DO NOTHING`,
			m.ID, m.Title, m.Type, m.Category, m.CreatedAt, m.ClosesAt, m.Multiplier.String(),
			m.Status, m.WinningOptionID, m.CreatorID, m.CreatorRole, m.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("insert market %s: %w", m.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
		}
		for i, o := range m.Options {
			liq := m.Liquidity[o.ID]
			if _, err := tx.Exec(ctx,
				`INSERT INTO market_options (market_id, option_id, label, position, liquidity, price)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
				m.ID, o.ID, o.Label, i, liq.String(), o.Price.String(),
			); err != nil {
				return fmt.Errorf("insert option %s/%s: %w", m.ID, o.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return loadMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	markets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Market, error) {
		m, err := scanMarket(row)
		if err != nil {
			return model.Market{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, err
	}
	for i := range markets {
		if err := loadOptions(ctx, s.pool, &markets[i]); err != nil {
			return nil, err
		}
	}
	return markets, nil
}

// --- Entries ---

func (s *PostgresStore) ListEntriesByMarket(ctx context.Context, marketID string) ([]model.Entry, error) {
	return queryEntries(ctx, s.pool,
		`SELECT `+entryColumns+` FROM entries WHERE market_id = $1 ORDER BY created_at, id`, marketID)
}

func (s *PostgresStore) ListEntriesByUser(ctx context.Context, userID string) ([]model.Entry, error) {
	return queryEntries(ctx, s.pool,
		`SELECT `+entryColumns+` FROM entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

// --- Balances and ledger ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	return loadBalance(ctx, s.pool, userID)
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(market_id, ''), type, amount::TEXT, reference, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Transaction, error) {
		var t model.Transaction
		var amount string
		if err := row.Scan(&t.ID, &t.UserID, &t.MarketID, &t.Type, &amount, &t.Reference, &t.CreatedAt); err != nil {
			return t, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		return t, nil
	})
}

// --- Transactions ---

// InTx runs fn in a SERIALIZABLE transaction, retrying with exponential
// backoff while PostgreSQL reports serialization failures.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	delay := initialRetryDelay
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isSerializationError(err) {
			return err
		}
		if attempt >= s.maxAttempts-1 {
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay < maxRetryDelay {
			delay *= 2
		}
	}
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return loadMarket(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_option_id = NULLIF($3, ''), resolved_at = $4
		 WHERE id = $1`,
		m.ID, m.Status, m.WinningOptionID, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	for _, o := range m.Options {
		liq := m.Liquidity[o.ID]
		if _, err := t.tx.Exec(ctx,
			`UPDATE market_options SET liquidity = $3::NUMERIC, price = $4::NUMERIC
			 WHERE market_id = $1 AND option_id = $2`,
			m.ID, o.ID, liq.String(), o.Price.String(),
		); err != nil {
			return fmt.Errorf("update option %s/%s: %w", m.ID, o.ID, err)
		}
	}
	return nil
}

func (t *pgTx) GetEntry(ctx context.Context, marketID, userID string) (*model.Entry, error) {
	entries, err := queryEntries(ctx, t.tx,
		`SELECT `+entryColumns+` FROM entries WHERE market_id = $1 AND user_id = $2`, marketID, userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry for %s in %s: %w", userID, marketID, ErrNotFound)
	}
	return &entries[0], nil
}

func (t *pgTx) ListEntries(ctx context.Context, marketID string) ([]model.Entry, error) {
	return queryEntries(ctx, t.tx,
		`SELECT `+entryColumns+` FROM entries WHERE market_id = $1 ORDER BY created_at, id`, marketID)
}

// InsertEntry uses ON CONFLICT DO NOTHING so a duplicate does not abort
// the surrounding transaction.
func (t *pgTx) InsertEntry(ctx context.Context, e *model.Entry) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO entries (id, user_id, market_id, option_id, amount, potential_payout, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT DO NOTHING`,
		e.ID, e.UserID, e.MarketID, e.OptionID, e.Amount.String(), e.PotentialPayout.String(),
		e.Status, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry for %s in %s: %w", e.UserID, e.MarketID, ErrAlreadyExists)
	}
	return nil
}

func (t *pgTx) SettleEntry(ctx context.Context, entryID string, status model.EntryStatus, payout decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE entries SET status = $2, potential_payout = $3::NUMERIC, settled_at = $4
		 WHERE id = $1 AND status = 'active'`,
		entryID, status, payout.String(), at,
	)
	if err != nil {
		return fmt.Errorf("settle entry %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s: %w", entryID, ErrEntrySettled)
	}
	return nil
}

func (t *pgTx) CategoryExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT m.category, COALESCE(SUM(e.amount), 0)::TEXT
		 FROM entries e
		 JOIN markets m ON m.id = e.market_id
		 WHERE e.user_id = $1 AND e.status = 'active'
		 GROUP BY m.category`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[string]decimal.Decimal)
	for rows.Next() {
		var category, sum string
		if err := rows.Scan(&category, &sum); err != nil {
			return nil, err
		}
		exposures[category], _ = decimal.NewFromString(sum)
	}
	return exposures, rows.Err()
}

func (t *pgTx) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	return loadBalance(ctx, t.tx, userID)
}

func (t *pgTx) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE balances SET withdrawable = withdrawable - $2::NUMERIC
		 WHERE user_id = $1 AND withdrawable >= $2::NUMERIC`,
		userID, amount.String(),
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("debit %s from %s: %w", amount, userID, ErrInsufficientFunds)
	}
	return nil
}

func (t *pgTx) CreditBalance(ctx context.Context, userID string, kind model.BalanceKind, amount decimal.Decimal) error {
	query := `INSERT INTO balances (user_id, withdrawable) VALUES ($1, $2::NUMERIC)
	          ON CONFLICT (user_id) DO UPDATE SET withdrawable = balances.withdrawable + EXCLUDED.withdrawable`
	if kind == model.Earnings {
		query = `INSERT INTO balances (user_id, earnings) VALUES ($1, $2::NUMERIC)
		         ON CONFLICT (user_id) DO UPDATE SET earnings = balances.earnings + EXCLUDED.earnings`
	}
	if _, err := t.tx.Exec(ctx, query, userID, amount.String()); err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *model.Transaction) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, market_id, type, amount, reference, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT DO NOTHING`,
		txn.ID, txn.UserID, txn.MarketID, txn.Type, txn.Amount.String(), txn.Reference, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", txn.Reference, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", txn.Reference, ErrAlreadyExists)
	}
	return nil
}

// --- Row helpers ---

const marketColumns = `id, title, type, category, created_at, closes_at, multiplier::TEXT,
	status, COALESCE(winning_option_id, ''), creator_id, creator_role, resolved_at`

const entryColumns = `id, user_id, market_id, option_id, amount::TEXT, potential_payout::TEXT,
	status, created_at, settled_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var mult string
	if err := row.Scan(&m.ID, &m.Title, &m.Type, &m.Category, &m.CreatedAt, &m.ClosesAt, &mult,
		&m.Status, &m.WinningOptionID, &m.CreatorID, &m.CreatorRole, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.Multiplier, _ = decimal.NewFromString(mult)
	return &m, nil
}

func loadMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if err := loadOptions(ctx, q, m); err != nil {
		return nil, err
	}
	return m, nil
}

func loadOptions(ctx context.Context, q querier, m *model.Market) error {
	rows, err := q.Query(ctx,
		`SELECT option_id, label, liquidity::TEXT, price::TEXT
		 FROM market_options WHERE market_id = $1 ORDER BY position`, m.ID)
	if err != nil {
		return fmt.Errorf("get options %s: %w", m.ID, err)
	}
	defer rows.Close()

	m.Options = nil
	m.Liquidity = make(map[string]decimal.Decimal)
	for rows.Next() {
		var o model.Option
		var liq, price string
		if err := rows.Scan(&o.ID, &o.Label, &liq, &price); err != nil {
			return err
		}
		o.Price, _ = decimal.NewFromString(price)
		m.Liquidity[o.ID], _ = decimal.NewFromString(liq)
		m.Options = append(m.Options, o)
	}
	return rows.Err()
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]model.Entry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Entry, error) {
		var e model.Entry
		var amount, payout string
		if err := row.Scan(&e.ID, &e.UserID, &e.MarketID, &e.OptionID, &amount, &payout,
			&e.Status, &e.CreatedAt, &e.SettledAt); err != nil {
			return e, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.PotentialPayout, _ = decimal.NewFromString(payout)
		return e, nil
	})
}

func loadBalance(ctx context.Context, q querier, userID string) (model.Balance, error) {
	b := model.Balance{UserID: userID}
	var w, e string
	err := q.QueryRow(ctx,
		`SELECT withdrawable::TEXT, earnings::TEXT FROM balances WHERE user_id = $1`, userID).Scan(&w, &e)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("get balance %s: %w", userID, err)
	}
	b.Withdrawable, _ = decimal.NewFromString(w)
	b.Earnings, _ = decimal.NewFromString(e)
	return b, nil
}
