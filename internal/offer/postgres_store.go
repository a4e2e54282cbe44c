package offer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL. Each offer is one JSONB row
// keyed by id; the upsert is a single statement, so concurrent writers of the
// same id serialize at the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the offers table. Normal deployments use cmd/migrate; this
// exists for tests and bootstrap.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offers (
			id         TEXT PRIMARY KEY,
			data       JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT data, created_at, updated_at FROM offers WHERE id = $1
	`, id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT data, created_at, updated_at FROM offers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// Upsert writes the offer as a single-row upsert. The created_at column is
// authoritative and survives updates; updated_at is bumped by the statement.
func (p *PostgresStore) Upsert(ctx context.Context, o *Offer) error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOffer)
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode offer: %w", err)
	}

	return p.db.QueryRowContext(ctx, `
		INSERT INTO offers (id, data, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			data       = EXCLUDED.data,
			updated_at = now()
		RETURNING created_at, updated_at
	`, o.ID, data).Scan(&o.CreatedAt, &o.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	var data []byte
	o := &Offer{}
	if err := row.Scan(&data, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	createdAt, updatedAt := o.CreatedAt, o.UpdatedAt
	if err := json.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("failed to decode offer: %w", err)
	}
	// Columns win over whatever the document carries.
	o.CreatedAt, o.UpdatedAt = createdAt, updatedAt
	return o, nil
}
