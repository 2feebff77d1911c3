// Package postgres is the PostgreSQL Store. The details bag lives in a jsonb
// column merged with ||, and the active (provider, reference) pair is kept
// in dedicated columns under a unique index.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/yourorg/storefront-payments/internal/payment"
	"github.com/yourorg/storefront-payments/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const columns = `id, listing_id, buyer_email, buyer_phone, buyer_name, amount::text, currency,
	status, payment_details, version, created_at, updated_at`

// Store implements store.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("postgres.New: nil pool")
	}
	return &Store{pool: pool, now: time.Now}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	tx, err := store.PrepareNew(tx, s.now())
	if err != nil {
		return payment.Transaction{}, err
	}
	details, err := json.Marshal(tx.PaymentDetails)
	if err != nil {
		return payment.Transaction{}, fmt.Errorf("encode payment details: %w", err)
	}
	provider, reference := indexColumns(tx.PaymentDetails)

	row := s.pool.QueryRow(ctx,
		`INSERT INTO payment_transactions
		   (id, listing_id, buyer_email, buyer_phone, buyer_name, amount, currency, status,
		    payment_details, provider, provider_reference, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9::jsonb, $10, $11, $12, $13, $13)
		 RETURNING `+columns,
		tx.ID, tx.ListingID, tx.BuyerEmail, tx.BuyerPhone, tx.BuyerName, tx.Amount.String(), tx.Currency,
		string(tx.Status), details, provider, reference, tx.Version, tx.CreatedAt)
	created, err := scan(row)
	if err != nil {
		if isUniqueViolation(err) {
			return payment.Transaction{}, fmt.Errorf("transaction %s already exists: %w", tx.ID, payment.ErrConflict)
		}
		return payment.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, id string) (payment.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM payment_transactions WHERE id = $1`, id)
	tx, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Transaction{}, store.NotFound(id)
		}
		return payment.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func (s *Store) FindByProviderReference(ctx context.Context, provider payment.Method, reference string) (payment.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM payment_transactions WHERE provider = $1 AND provider_reference = $2`,
		string(provider), reference)
	tx, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Transaction{}, fmt.Errorf("%s reference %q: %w", provider, reference, payment.ErrNotFound)
		}
		return payment.Transaction{}, fmt.Errorf("find %s reference %q: %w", provider, reference, err)
	}
	return tx, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion int64, status payment.Status, patch payment.Details) (payment.Transaction, error) {
	if !status.Valid() {
		return payment.Transaction{}, fmt.Errorf("unknown status %q: %w", status, payment.ErrValidation)
	}
	if patch == nil {
		patch = payment.Details{}
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return payment.Transaction{}, fmt.Errorf("encode details patch: %w", err)
	}

	// The index columns are derived from the merged bag so they always
	// follow the active attempt.
	row := s.pool.QueryRow(ctx,
		`UPDATE payment_transactions SET
		   status             = $3,
		   payment_details    = payment_details || $4::jsonb,
		   provider           = NULLIF((payment_details || $4::jsonb)->>'provider', ''),
		   provider_reference = NULLIF((payment_details || $4::jsonb)->>'provider_reference', ''),
		   version            = version + 1,
		   updated_at         = $5
		 WHERE id = $1 AND version = $2
		 RETURNING `+columns,
		id, expectedVersion, string(status), encoded, s.now().UTC())
	tx, err := scan(row)
	switch {
	case err == nil:
		return tx, nil
	case isUniqueViolation(err):
		return payment.Transaction{}, fmt.Errorf("transaction %s: provider reference already in use: %w", id, payment.ErrConflict)
	case errors.Is(err, pgx.ErrNoRows):
		return payment.Transaction{}, s.missOrConflict(ctx, id, expectedVersion)
	default:
		return payment.Transaction{}, fmt.Errorf("update transaction %s: %w", id, err)
	}
}

// missOrConflict tells apart the two reasons a CAS update touches no row.
func (s *Store) missOrConflict(ctx context.Context, id string, expectedVersion int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check transaction %s: %w", id, err)
	}
	if !exists {
		return store.NotFound(id)
	}
	return store.Conflict(id, expectedVersion)
}

func (s *Store) List(ctx context.Context, from, to time.Time) ([]payment.Transaction, error) {
	var upper *time.Time
	if !to.IsZero() {
		upper = &to
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM payment_transactions
		 WHERE created_at >= $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		 ORDER BY created_at, id`,
		from, upper)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []payment.Transaction
	for rows.Next() {
		tx, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// indexColumns returns the provider/reference column values carried by d,
// or nils when d does not set them.
func indexColumns(d payment.Details) (provider, reference *string) {
	m, ref, ok := store.IndexKey(d)
	if !ok {
		return nil, nil
	}
	p := string(m)
	return &p, &ref
}

func scan(row pgx.Row) (payment.Transaction, error) {
	var (
		tx      payment.Transaction
		amount  string
		status  string
		details []byte
	)
	err := row.Scan(&tx.ID, &tx.ListingID, &tx.BuyerEmail, &tx.BuyerPhone, &tx.BuyerName, &amount,
		&tx.Currency, &status, &details, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return payment.Transaction{}, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return payment.Transaction{}, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	tx.Status = payment.Status(status)
	tx.PaymentDetails = payment.Details{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &tx.PaymentDetails); err != nil {
			return payment.Transaction{}, fmt.Errorf("decode payment details: %w", err)
		}
	}
	return tx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
