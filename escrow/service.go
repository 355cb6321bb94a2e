package escrow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// maxConflictRetries bounds automatic replays of transitions aborted by
// serialization failures or deadlocks. Every other error class is terminal
// for the call.
const maxConflictRetries = 3

// Service is the escrow state machine. Each transition executes as a single
// transaction: load under row lock, authorize, validate the status, apply the
// balance effect, persist. Either everything commits or the store is left
// exactly as before the call.
type Service struct {
	pool        TxBeginner
	repo        Repository
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
	}
}

// WithIDGenerator overrides escrow id generation, used by tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Create opens a new escrow in pending state. The seller is resolved by email
// inside the transaction; no balance moves until Fund.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.BuyerID == "" {
		return Record{}, fmt.Errorf("escrow: missing buyer id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Record{}, fmt.Errorf("escrow: title required")
	}
	if params.Amount <= 0 {
		return Record{}, fmt.Errorf("escrow: amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sellerID, err := s.repo.SellerIDByEmail(ctx, tx, params.SellerEmail)
	if err != nil {
		return Record{}, err
	}
	if sellerID == params.BuyerID {
		return Record{}, ErrBuyerIsSeller
	}

	rec, err := s.repo.Insert(ctx, tx, s.idGenerator(), params, sellerID)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return rec, nil
}

// Fund moves the escrow amount out of the buyer's balance and flips the
// status to funded. Legal only from pending, buyer only.
func (s *Service) Fund(ctx context.Context, escrowID, actorID string) error {
	return s.transition(ctx, escrowID, actorID, TransitionFund)
}

// Release credits the held amount to the seller, completes the escrow, and
// marks every milestone complete. Legal only from funded; only the buyer can
// authorize release.
func (s *Service) Release(ctx context.Context, escrowID, actorID string) error {
	return s.transition(ctx, escrowID, actorID, TransitionRelease)
}

// Cancel closes an unfunded escrow. Nothing was escrowed yet, so no balance
// moves. Either party may cancel.
func (s *Service) Cancel(ctx context.Context, escrowID, actorID string) error {
	return s.transition(ctx, escrowID, actorID, TransitionCancel)
}

// Dispute parks a funded escrow. The held amount stays in flight; resolving
// the dispute is an external administrative action.
func (s *Service) Dispute(ctx context.Context, escrowID, actorID string) error {
	return s.transition(ctx, escrowID, actorID, TransitionDispute)
}

func (s *Service) transition(ctx context.Context, escrowID, actorID string, kind TransitionKind) error {
	if escrowID == "" {
		return fmt.Errorf("escrow: missing escrow id")
	}
	if actorID == "" {
		return fmt.Errorf("escrow: missing actor id")
	}

	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = s.transitionOnce(ctx, escrowID, actorID, kind)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("escrow: %s: %w", kind, ErrConflict)
}

func (s *Service) transitionOnce(ctx context.Context, escrowID, actorID string, kind TransitionKind) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if !canAct(actorID, rec, kind) {
		return ErrForbidden
	}
	if !kind.legalFrom(rec.Status) {
		return ErrInvalidState
	}

	switch kind {
	case TransitionFund:
		balance, err := s.repo.BalanceForUpdate(ctx, tx, rec.BuyerID)
		if err != nil {
			return err
		}
		if balance < rec.Amount {
			return ErrInsufficientFunds
		}
		if err := s.repo.ApplyBalanceDelta(ctx, tx, rec.BuyerID, -rec.Amount); err != nil {
			return err
		}
	case TransitionRelease:
		if _, err := s.repo.BalanceForUpdate(ctx, tx, rec.SellerID); err != nil {
			return err
		}
		if err := s.repo.ApplyBalanceDelta(ctx, tx, rec.SellerID, rec.Amount); err != nil {
			return err
		}
		if err := s.repo.CompleteMilestones(ctx, tx, rec.ID); err != nil {
			return err
		}
	case TransitionCancel, TransitionDispute:
		// status-only transitions
	}

	if err := s.repo.UpdateStatus(ctx, tx, rec.ID, kind.next()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit %s: %w", kind, err)
	}
	return nil
}

// Get returns the escrow with its milestones to the buyer or seller only.
func (s *Service) Get(ctx context.Context, escrowID, actorID string) (Record, error) {
	rec, err := s.repo.Get(ctx, escrowID)
	if err != nil {
		return Record{}, err
	}
	if !canView(actorID, rec) {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

// ListForUser returns escrows where the user participates as buyer or seller.
func (s *Service) ListForUser(ctx context.Context, userID string, skip, limit int) ([]Record, error) {
	if userID == "" {
		return nil, fmt.Errorf("escrow: missing user id")
	}
	return s.repo.ListForUser(ctx, userID, skip, limit)
}

// DashboardFor returns the user's aggregate read model.
func (s *Service) DashboardFor(ctx context.Context, userID string) (Dashboard, error) {
	if userID == "" {
		return Dashboard{}, fmt.Errorf("escrow: missing user id")
	}
	return s.repo.Dashboard(ctx, userID)
}
