package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrForbidden signals the actor lacks rights for the requested action.
	ErrForbidden = errors.New("escrow: forbidden")
	// ErrInvalidState signals the transition is illegal from the current status.
	ErrInvalidState = errors.New("escrow: invalid status transition")
	// ErrInsufficientFunds signals the buyer balance does not cover the amount.
	ErrInsufficientFunds = errors.New("escrow: insufficient balance")
	// ErrConflict signals a concurrent-modification abort; callers may retry.
	ErrConflict = errors.New("escrow: concurrent modification")
	// ErrSellerNotFound signals the seller email resolved to no user.
	ErrSellerNotFound = errors.New("escrow: seller not found")
	// ErrBuyerIsSeller rejects escrows where both parties are the same user.
	ErrBuyerIsSeller = errors.New("escrow: buyer and seller must differ")
)

// Repository defines the data access required by the Service. Transition
// methods run against the caller's transaction so the read-validate-write
// cycle stays indivisible.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, id string, params CreateParams, sellerID string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID string) (float64, error)
	ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, userID string, delta float64) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	CompleteMilestones(ctx context.Context, tx pgx.Tx, escrowID string) error
	SellerIDByEmail(ctx context.Context, tx pgx.Tx, email string) (string, error)

	Get(ctx context.Context, id string) (Record, error)
	ListForUser(ctx context.Context, userID string, skip, limit int) ([]Record, error)
	Dashboard(ctx context.Context, userID string) (Dashboard, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// SellerIDByEmail resolves the seller user for escrow creation.
func (r *PGRepository) SellerIDByEmail(ctx context.Context, tx pgx.Tx, email string) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1 AND is_active`, email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSellerNotFound
		}
		return "", fmt.Errorf("escrow: resolve seller: %w", err)
	}
	return id, nil
}

// Insert writes the escrow in pending state together with its milestones.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, id string, params CreateParams, sellerID string) (Record, error) {
	const insertSQL = `
		INSERT INTO escrows (id, title, description, amount, status, buyer_id, seller_id)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, 'pending', $5, $6)
		RETURNING id, title, description, amount, status::text, buyer_id, seller_id, created_at, updated_at
	`

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		id,
		params.Title,
		params.Description,
		params.Amount,
		params.BuyerID,
		sellerID,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return Record{}, ErrBuyerIsSeller
		}
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}

	const milestoneSQL = `
		INSERT INTO milestones (escrow_id, title, description, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id, escrow_id, title, description, amount, is_completed
	`
	rec.Milestones = make([]Milestone, 0, len(params.Milestones))
	for _, m := range params.Milestones {
		var ms Milestone
		if err := tx.QueryRow(ctx, milestoneSQL, rec.ID, m.Title, m.Description, m.Amount).
			Scan(&ms.ID, &ms.EscrowID, &ms.Title, &ms.Description, &ms.Amount, &ms.IsCompleted); err != nil {
			return Record{}, fmt.Errorf("escrow: insert milestone: %w", err)
		}
		rec.Milestones = append(rec.Milestones, ms)
	}

	return rec, nil
}

// GetForUpdate loads the escrow row under a row lock, pinning it for the rest
// of the transaction. Milestones are not materialized here; transitions only
// need the header.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `
		SELECT id, title, description, amount, status::text, buyer_id, seller_id, created_at, updated_at
		FROM escrows
		WHERE id = $1
		FOR UPDATE
	`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// BalanceForUpdate locks the user row and returns the current balance.
// Locks are always taken escrow first, then user, so concurrent transitions
// cannot form a lock cycle.
func (r *PGRepository) BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID string) (float64, error) {
	var balance float64
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("escrow: lock balance: %w", err)
	}
	return balance, nil
}

// ApplyBalanceDelta adjusts a locked user balance. The CHECK constraint on the
// column is the backstop; the service verifies sufficiency before debiting.
func (r *PGRepository) ApplyBalanceDelta(ctx context.Context, tx pgx.Tx, userID string, delta float64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET balance = balance + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, userID, delta)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("escrow: apply balance delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus flips the escrow status inside the caller's transaction.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrows
		SET status = $2::escrow_status,
		    updated_at = NOW()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteMilestones marks every milestone of the escrow complete. Runs in the
// same transaction as the release status flip.
func (r *PGRepository) CompleteMilestones(ctx context.Context, tx pgx.Tx, escrowID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE milestones
		SET is_completed = TRUE
		WHERE escrow_id = $1
	`, escrowID); err != nil {
		return fmt.Errorf("escrow: complete milestones: %w", err)
	}
	return nil
}

// Get returns the escrow with fully materialized milestones.
func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	const query = `
		SELECT id, title, description, amount, status::text, buyer_id, seller_id, created_at, updated_at
		FROM escrows
		WHERE id = $1
	`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}

	rec.Milestones, err = r.milestonesFor(ctx, []string{rec.ID})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListForUser returns escrows where the user is buyer or seller, newest first.
func (r *PGRepository) ListForUser(ctx context.Context, userID string, skip, limit int) ([]Record, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, title, description, amount, status::text, buyer_id, seller_id, created_at, updated_at
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	ids := []string{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan list: %w", err)
		}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate list: %w", err)
	}
	if len(ids) == 0 {
		return records, nil
	}

	milestones, err := r.milestonesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	byEscrow := make(map[string][]Milestone, len(ids))
	for _, m := range milestones {
		byEscrow[m.EscrowID] = append(byEscrow[m.EscrowID], m)
	}
	for i := range records {
		records[i].Milestones = byEscrow[records[i].ID]
	}
	return records, nil
}

// Dashboard computes the read model in one repeatable-read transaction so the
// counts and the balance come from the same store snapshot.
func (r *PGRepository) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Dashboard{}, fmt.Errorf("escrow: begin dashboard tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var d Dashboard
	if err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&d.Balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dashboard{}, ErrNotFound
		}
		return Dashboard{}, fmt.Errorf("escrow: dashboard balance: %w", err)
	}

	const countsSQL = `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('completed','cancelled')),
			COUNT(*) FILTER (WHERE status = 'completed')
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
	`
	if err := tx.QueryRow(ctx, countsSQL, userID).Scan(&d.ActiveCount, &d.CompletedCount); err != nil {
		return Dashboard{}, fmt.Errorf("escrow: dashboard counts: %w", err)
	}

	const pendingSQL = `
		SELECT COUNT(*)
		FROM milestones m
		JOIN escrows e ON e.id = m.escrow_id
		WHERE e.seller_id = $1 AND NOT m.is_completed
	`
	if err := tx.QueryRow(ctx, pendingSQL, userID).Scan(&d.PendingMilestonesCount); err != nil {
		return Dashboard{}, fmt.Errorf("escrow: dashboard milestones: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Dashboard{}, fmt.Errorf("escrow: commit dashboard tx: %w", err)
	}
	return d, nil
}

func (r *PGRepository) milestonesFor(ctx context.Context, escrowIDs []string) ([]Milestone, error) {
	const query = `
		SELECT id, escrow_id, title, description, amount, is_completed
		FROM milestones
		WHERE escrow_id = ANY($1)
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, escrowIDs)
	if err != nil {
		return nil, fmt.Errorf("escrow: query milestones: %w", err)
	}
	defer rows.Close()

	out := []Milestone{}
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Title, &m.Description, &m.Amount, &m.IsCompleted); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Description,
		&rec.Amount,
		&rec.Status,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}

// isRetryable classifies serialization failures and deadlocks; these abort the
// transaction but leave the store untouched, so the operation may be replayed.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
