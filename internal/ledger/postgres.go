package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all marketd instances sharing a database.
const advisoryLockKey = int64(7_340_112_209)

const entryColumns = `nonce, id, owner_id, kind, payload, payload_hash, prev_hash, block_hash, created_at`

// PostgresLedger persists the hash chain to a PostgreSQL database.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	halt   haltSwitch
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Append implements Ledger.
// The tail read, hash computation and insert run inside one transaction
// holding a transaction-scoped advisory lock. A writer that bypasses the lock
// and claims the same nonce trips the primary key; that conflict is retried
// once against the new tail before ErrConcurrentAppend is returned.
func (l *PostgresLedger) Append(ctx context.Context, ownerID string, payload Payload) (*Entry, error) {
	if ownerID == "" {
		return nil, errors.New("append: owner id is required")
	}
	kind, data, err := encode(payload)
	if err != nil {
		return nil, err
	}
	if err := l.halt.check(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= 2; attempt++ {
		entry, err := l.appendOnce(ctx, ownerID, kind, data)
		if err == nil {
			l.logger.Debug("ledger entry appended",
				zap.Int64("nonce", entry.Nonce),
				zap.String("kind", string(entry.Kind)),
				zap.String("owner_id", entry.OwnerID),
			)
			return entry, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		l.logger.Warn("ledger append lost nonce race",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, ErrConcurrentAppend
}

func (l *PostgresLedger) appendOnce(ctx context.Context, ownerID string, kind Kind, data []byte) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The lock is released automatically when the transaction ends.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if err := l.halt.check(); err != nil {
		return nil, err
	}

	t, err := loadTail(ctx, tx)
	if err != nil {
		return nil, err
	}

	// timestamptz keeps microseconds; truncate so the returned entry matches
	// what a later read returns.
	entry := t.next(ownerID, kind, data, time.Now().UTC().Truncate(time.Microsecond))

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Nonce, entry.ID, entry.OwnerID, string(entry.Kind), []byte(entry.Payload),
		entry.PayloadHash, entry.PrevHash, entry.Hash, entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return entry, nil
}

// loadTail reads the last committed nonce and block hash.
func loadTail(ctx context.Context, q pgx.Tx) (tail, error) {
	var t tail
	err := q.QueryRow(ctx,
		"SELECT nonce, block_hash, created_at FROM ledger_entries ORDER BY nonce DESC LIMIT 1",
	).Scan(&t.nonce, &t.hash, &t.at)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyTail, nil
	}
	if err != nil {
		return tail{}, fmt.Errorf("read ledger tail: %w", err)
	}
	return t, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, nonce int64) (*Entry, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE nonce = $1`, nonce)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("nonce %d: %w", nonce, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", nonce, err)
	}
	return e, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT block_hash FROM ledger_entries ORDER BY nonce DESC LIMIT 1",
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// Entries implements Ledger.
func (l *PostgresLedger) Entries(ctx context.Context, from int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE nonce >= $1 ORDER BY nonce ASC LIMIT $2`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntriesForOwner implements Ledger. Each range issues a fresh query.
func (l *PostgresLedger) EntriesForOwner(ctx context.Context, ownerID string) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		rows, err := l.pool.Query(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries
			 WHERE owner_id = $1 ORDER BY nonce ASC`, ownerID)
		if err != nil {
			yield(nil, fmt.Errorf("query owner entries: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan ledger row: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// VerifyChain implements Ledger. It streams the requested rows in nonce
// order; O(n) in the size of the range.
func (l *PostgresLedger) VerifyChain(ctx context.Context, from, to int64) (*VerifyResult, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin verify tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t, err := loadTail(ctx, tx)
	if err != nil {
		return nil, err
	}
	from, to, ok := clampRange(from, to, t.nonce)
	if !ok {
		return &VerifyResult{From: from, To: to, Root: t.hash}, nil
	}

	var prev *Entry
	if from > 0 {
		prev, err = scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries WHERE nonce = $1`, from-1))
		if errors.Is(err, pgx.ErrNoRows) {
			broken := &ChainBrokenError{Nonce: from - 1, Reason: "entry missing"}
			l.halt.trip(broken)
			return nil, broken
		}
		if err != nil {
			return nil, fmt.Errorf("load entry %d: %w", from-1, err)
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE nonce BETWEEN $1 AND $2 ORDER BY nonce ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	v := newVerifier(from, prev)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if err := v.check(e); err != nil {
			l.halt.trip(err)
			l.logger.Error("ledger verification failed", zap.Error(err))
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := v.finish(to); err != nil {
		l.halt.trip(err)
		l.logger.Error("ledger verification failed", zap.Error(err))
		return nil, err
	}
	return &VerifyResult{From: from, To: to, Checked: v.checked, Root: t.hash}, nil
}

// Verify implements Ledger.
func (l *PostgresLedger) Verify(ctx context.Context) (*VerifyResult, error) {
	return l.VerifyChain(ctx, 0, -1)
}

// Halted implements Ledger.
func (l *PostgresLedger) Halted() bool {
	return l.halt.halted()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e       Entry
		kind    string
		payload []byte
	)
	if err := row.Scan(
		&e.Nonce, &e.ID, &e.OwnerID, &kind, &payload,
		&e.PayloadHash, &e.PrevHash, &e.Hash, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Payload = payload
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
