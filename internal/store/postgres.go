package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pod-ledger/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Capital amounts are stored as NUMERIC for exact decimal precision; listing,
// order and fill bodies are JSONB next to their key columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	a := b.Audit
	tag, err := tx.Exec(ctx,
		`INSERT INTO audit (id, block, kind, payload, digest, applied_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		a.ID.String(), int64(a.Block), a.Kind, a.Payload, a.Digest, a.AppliedAt)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyApplied, a.ID)
	}

	batch := &pgx.Batch{}
	for _, p := range b.Plots {
		batch.Queue(
			`INSERT INTO plots (position, owner, size, provenance, provenance_ref, cost_basis,
			                    redeemable, redeemed, fully_redeemed, updated_by)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
			 ON CONFLICT (position) DO UPDATE SET
			     owner = EXCLUDED.owner, size = EXCLUDED.size,
			     provenance = EXCLUDED.provenance, provenance_ref = EXCLUDED.provenance_ref,
			     cost_basis = EXCLUDED.cost_basis, redeemable = EXCLUDED.redeemable,
			     redeemed = EXCLUDED.redeemed, fully_redeemed = EXCLUDED.fully_redeemed,
			     updated_by = EXCLUDED.updated_by`,
			p.Position, p.Owner, p.Size, string(p.Provenance), p.ProvenanceRef.String(),
			p.CostBasis.String(), p.Redeemable, p.Redeemed, p.FullyRedeemed, p.UpdatedBy.String())
	}
	for _, f := range b.Fields {
		batch.Queue(
			`INSERT INTO fields (account, credit, committed, issued, issuance_count, unredeemed,
			                     redeemable, redeemed, issuer_count, holder_count, updated_by)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (account) DO UPDATE SET
			     credit = EXCLUDED.credit, committed = EXCLUDED.committed,
			     issued = EXCLUDED.issued, issuance_count = EXCLUDED.issuance_count,
			     unredeemed = EXCLUDED.unredeemed, redeemable = EXCLUDED.redeemable,
			     redeemed = EXCLUDED.redeemed, issuer_count = EXCLUDED.issuer_count,
			     holder_count = EXCLUDED.holder_count, updated_by = EXCLUDED.updated_by`,
			f.Account, f.Credit.String(), f.Committed.String(), f.Issued, f.IssuanceCount,
			f.Unredeemed, f.Redeemable, f.Redeemed, f.IssuerCount, f.HolderCount, f.UpdatedBy.String())
	}
	for _, l := range append(append([]model.Listing(nil), b.ListingHistory...), b.Listings...) {
		body, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode listing %s: %w", l.Key, err)
		}
		batch.Queue(
			`INSERT INTO listings (owner, position, version, status, body) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (owner, position, version) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
			l.Key.Owner, l.Key.Position, l.Version, string(l.Status), body)
	}
	for _, o := range append(append([]model.Order(nil), b.OrderHistory...), b.Orders...) {
		body, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order %s: %w", o.ID, err)
		}
		batch.Queue(
			`INSERT INTO orders (id, version, owner, status, body) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id, version) DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
			string(o.ID), o.Version, o.Owner, string(o.Status), body)
	}
	for _, f := range b.Fills {
		body, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode fill %s: %w", f.ID, err)
		}
		batch.Queue(
			`INSERT INTO fills (id, kind, ref, event, body) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			f.ID, string(f.Kind), f.Ref, f.Event.String(), body)
	}
	if b.Marketplace != nil {
		body, err := json.Marshal(b.Marketplace)
		if err != nil {
			return fmt.Errorf("encode marketplace: %w", err)
		}
		batch.Queue(
			`INSERT INTO marketplace (id, body) VALUES (1, $1)
			 ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, body)
	}
	c := b.Cursor
	batch.Queue(
		`INSERT INTO cursor (id, block, log_index, frontier, events) VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET block = EXCLUDED.block, log_index = EXCLUDED.log_index,
		     frontier = EXCLUDED.frontier, events = EXCLUDED.events`,
		int64(c.Block), int64(c.LogIndex), c.Frontier, c.Events)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("commit %s: %w", a.ID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Applied(ctx context.Context, id model.EventID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM audit WHERE id = $1)`, id.String()).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Cursor(ctx context.Context) (model.Cursor, error) {
	var c model.Cursor
	var block, logIndex int64
	err := s.pool.QueryRow(ctx,
		`SELECT block, log_index, frontier, events FROM cursor WHERE id = 1`).
		Scan(&block, &logIndex, &c.Frontier, &c.Events)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Cursor{}, nil
	}
	if err != nil {
		return c, fmt.Errorf("get cursor: %w", err)
	}
	c.Block, c.LogIndex = uint64(block), uint32(logIndex)
	return c, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error
	if snap.Cursor, err = s.Cursor(ctx); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+plotColumns+` FROM plots ORDER BY position`)
	if err != nil {
		return nil, err
	}
	if snap.Plots, err = scanPlots(rows); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT `+fieldColumns+` FROM fields`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		snap.Fields = append(snap.Fields, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if snap.Listings, err = queryBodies[model.Listing](ctx, s.pool,
		`SELECT body FROM listings WHERE version = -1`); err != nil {
		return nil, err
	}
	if snap.Orders, err = queryBodies[model.Order](ctx, s.pool,
		`SELECT body FROM orders WHERE version = -1`); err != nil {
		return nil, err
	}
	m, err := s.GetMarketplace(ctx)
	if err != nil {
		return nil, err
	}
	snap.Marketplace = *m
	return snap, nil
}

const plotColumns = `position, owner, size, provenance, provenance_ref, cost_basis::TEXT,
	redeemable, redeemed, fully_redeemed, updated_by`

const fieldColumns = `account, credit::TEXT, committed::TEXT, issued, issuance_count, unredeemed,
	redeemable, redeemed, issuer_count, holder_count, updated_by`

func (s *PostgresStore) GetPlot(ctx context.Context, position int64) (*model.Plot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+plotColumns+` FROM plots WHERE position = $1`, position)
	if err != nil {
		return nil, err
	}
	plots, err := scanPlots(rows)
	if err != nil {
		return nil, err
	}
	if len(plots) == 0 {
		return nil, fmt.Errorf("plot %d: %w", position, ErrNotFound)
	}
	return &plots[0], nil
}

func (s *PostgresStore) ListPlots(ctx context.Context, owner string, from, to int64) ([]model.Plot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+plotColumns+` FROM plots
		 WHERE owner = $1 AND NOT fully_redeemed AND position >= $2 AND position < $3
		 ORDER BY position`, owner, from, to)
	if err != nil {
		return nil, err
	}
	return scanPlots(rows)
}

func (s *PostgresStore) GetField(ctx context.Context, account string) (*model.Field, error) {
	f, err := scanField(s.pool.QueryRow(ctx, `SELECT `+fieldColumns+` FROM fields WHERE account = $1`, account))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("field %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get field %s: %w", account, err)
	}
	return f, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	var l model.Listing
	err := queryBody(ctx, s.pool, &l,
		`SELECT body FROM listings WHERE owner = $1 AND position = $2 AND version = -1`,
		key.Owner, key.Position)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}
	return &l, nil
}

func (s *PostgresStore) ListingHistory(ctx context.Context, key model.ListingKey) ([]model.Listing, error) {
	return queryBodies[model.Listing](ctx, s.pool,
		`SELECT body FROM listings WHERE owner = $1 AND position = $2 AND version >= 0 ORDER BY version`,
		key.Owner, key.Position)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id model.OrderID) (*model.Order, error) {
	var o model.Order
	err := queryBody(ctx, s.pool, &o, `SELECT body FROM orders WHERE id = $1 AND version = -1`, string(id))
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) OrderHistory(ctx context.Context, id model.OrderID) ([]model.Order, error) {
	return queryBodies[model.Order](ctx, s.pool,
		`SELECT body FROM orders WHERE id = $1 AND version >= 0 ORDER BY version`, string(id))
}

func (s *PostgresStore) GetFill(ctx context.Context, id uuid.UUID) (*model.Fill, error) {
	var f model.Fill
	if err := queryBody(ctx, s.pool, &f, `SELECT body FROM fills WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("fill %s: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) GetMarketplace(ctx context.Context) (*model.Marketplace, error) {
	var m model.Marketplace
	err := queryBody(ctx, s.pool, &m, `SELECT body FROM marketplace WHERE id = 1`)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get marketplace: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetAudit(ctx context.Context, id model.EventID) (*model.AuditRecord, error) {
	a := model.AuditRecord{ID: id}
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT block, kind, payload, digest, applied_at FROM audit WHERE id = $1`, id.String()).
		Scan(&block, &a.Kind, &a.Payload, &a.Digest, &a.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit %s: %w", id, err)
	}
	a.Block = uint64(block)
	return &a, nil
}

// --- Row helpers ---

func scanPlots(rows pgx.Rows) ([]model.Plot, error) {
	defer rows.Close()

	var plots []model.Plot
	for rows.Next() {
		var p model.Plot
		var provenance, ref, cost, updated string
		if err := rows.Scan(&p.Position, &p.Owner, &p.Size, &provenance, &ref, &cost,
			&p.Redeemable, &p.Redeemed, &p.FullyRedeemed, &updated); err != nil {
			return nil, err
		}
		p.Provenance = model.Provenance(provenance)
		p.CostBasis, _ = decimal.NewFromString(cost)
		p.ProvenanceRef = parseRef(ref)
		p.UpdatedBy = parseRef(updated)
		plots = append(plots, p)
	}
	return plots, rows.Err()
}

func scanField(row pgx.Row) (*model.Field, error) {
	var f model.Field
	var credit, committed, updated string
	if err := row.Scan(&f.Account, &credit, &committed, &f.Issued, &f.IssuanceCount, &f.Unredeemed,
		&f.Redeemable, &f.Redeemed, &f.IssuerCount, &f.HolderCount, &updated); err != nil {
		return nil, err
	}
	f.Credit, _ = decimal.NewFromString(credit)
	f.Committed, _ = decimal.NewFromString(committed)
	f.UpdatedBy = parseRef(updated)
	return &f, nil
}

// parseRef reads a stored event id; ids are validated before they are
// written, so an unparsable value reads as the zero id.
func parseRef(s string) model.EventID {
	id, _ := model.ParseEventID(s)
	return id
}

func queryBody(ctx context.Context, pool *pgxpool.Pool, v any, sql string, args ...any) error {
	var body []byte
	err := pool.QueryRow(ctx, sql, args...).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func queryBodies[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
