package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/model"
	"github.com/agrimarket/agrimarket/internal/trust"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const listingColumns = `id, farmer_id, crop, quantity, unit, status, expected_price,
	min_price, suggested_price, expires_at, created_at, updated_at`

const bidColumns = `id, listing_id, buyer_id, amount, quantity, status, expires_at, created_at, updated_at`

// PostgresStore persists listings, bids and trust scores in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateListing inserts a new listing.
func (r *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO listings (`+listingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		l.ID, l.FarmerID, l.Crop, l.Quantity, l.Unit, string(l.Status), l.ExpectedPrice,
		nullDecimal(l.MinPrice), nullDecimal(l.SuggestedPrice), l.ExpiresAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// GetListing returns a listing by id.
func (r *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	l, err := scanListing(r.db.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

// SaveListing updates the mutable columns of a listing.
func (r *PostgresStore) SaveListing(ctx context.Context, l *model.Listing) error {
	return saveListing(ctx, r.db, l)
}

// ListListings returns listings matching f, newest first, with the total
// match count.
func (r *PostgresStore) ListListings(ctx context.Context, f model.ListingFilter) ([]*model.Listing, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.FarmerID != "" {
		args = append(args, f.FarmerID)
		where = append(where, fmt.Sprintf("farmer_id = $%d", len(args)))
	}
	if f.Crop != "" {
		args = append(args, f.Crop)
		where = append(where, fmt.Sprintf("lower(crop) = lower($%d)", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM listings`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listings: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := r.db.Query(ctx,
		`SELECT `+listingColumns+` FROM listings`+clause+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []*model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// CreateBid inserts a new bid.
func (r *PostgresStore) CreateBid(ctx context.Context, b *model.Bid) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO bids (`+bidColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.ListingID, b.BuyerID, b.Amount, b.Quantity, string(b.Status),
		b.ExpiresAt, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

// GetBid returns a bid by id.
func (r *PostgresStore) GetBid(ctx context.Context, id uuid.UUID) (*model.Bid, error) {
	b, err := scanBid(r.db.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bid: %w", err)
	}
	return b, nil
}

// ListBidsByListing returns the bids on a listing in placement order.
func (r *PostgresStore) ListBidsByListing(ctx context.Context, listingID uuid.UUID) ([]*model.Bid, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE listing_id = $1 ORDER BY created_at, id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	var out []*model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveTransition updates a listing and its bids in one transaction.
func (r *PostgresStore) SaveTransition(ctx context.Context, l *model.Listing, bids []*model.Bid) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := saveListing(ctx, tx, l); err != nil {
		return err
	}
	for _, b := range bids {
		tag, err := tx.Exec(ctx,
			`UPDATE bids SET status = $1, updated_at = $2 WHERE id = $3 AND listing_id = $4`,
			string(b.Status), b.UpdatedAt, b.ID, l.ID,
		)
		if err != nil {
			return fmt.Errorf("update bid %s: %w", b.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// ListStaleListingIDs returns listings needing expiry at now.
func (r *PostgresStore) ListStaleListingIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM listings WHERE status = 'ACTIVE' AND expires_at <= $1
		 UNION
		 SELECT DISTINCT listing_id FROM bids WHERE status = 'PENDING' AND expires_at <= $1
		 ORDER BY 1`, now)
	if err != nil {
		return nil, fmt.Errorf("list stale listings: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale listing id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetTrustScore returns the stored score for a user, or the zero State.
func (r *PostgresStore) GetTrustScore(ctx context.Context, userID string) (trust.State, error) {
	var st trust.State
	err := r.db.QueryRow(ctx,
		`SELECT total_ratings, rating_sum, avg_rating FROM trust_scores WHERE user_id = $1`, userID,
	).Scan(&st.TotalRatings, &st.RatingSum, &st.AvgRating)
	if errors.Is(err, pgx.ErrNoRows) {
		return trust.State{}, nil
	}
	if err != nil {
		return trust.State{}, fmt.Errorf("get trust score: %w", err)
	}
	return st, nil
}

// SaveTrustScore upserts the stored score for a user.
func (r *PostgresStore) SaveTrustScore(ctx context.Context, userID string, st trust.State) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO trust_scores (user_id, total_ratings, rating_sum, avg_rating, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET total_ratings = EXCLUDED.total_ratings,
		     rating_sum    = EXCLUDED.rating_sum,
		     avg_rating    = EXCLUDED.avg_rating,
		     updated_at    = NOW()`,
		userID, st.TotalRatings, st.RatingSum, st.AvgRating,
	)
	if err != nil {
		return fmt.Errorf("save trust score: %w", err)
	}
	return nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveListing(ctx context.Context, db execer, l *model.Listing) error {
	tag, err := db.Exec(ctx,
		`UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3`,
		string(l.Status), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var (
		l         model.Listing
		status    string
		minPrice  decimal.NullDecimal
		suggested decimal.NullDecimal
	)
	if err := row.Scan(
		&l.ID, &l.FarmerID, &l.Crop, &l.Quantity, &l.Unit, &status, &l.ExpectedPrice,
		&minPrice, &suggested, &l.ExpiresAt, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	l.Status = model.ListingStatus(status)
	l.MinPrice = decimalPtr(minPrice)
	l.SuggestedPrice = decimalPtr(suggested)
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func scanBid(row pgx.Row) (*model.Bid, error) {
	var (
		b      model.Bid
		status string
	)
	if err := row.Scan(
		&b.ID, &b.ListingID, &b.BuyerID, &b.Amount, &b.Quantity, &status,
		&b.ExpiresAt, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = model.BidStatus(status)
	b.ExpiresAt = b.ExpiresAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
