package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrowflow/escrow"
)

// Registry is the shared set of escrow ids the actors battle over. Creators
// add, everyone else picks at random.
type Registry struct {
	mu  sync.Mutex
	ids []string
}

func NewRegistry(ids ...string) *Registry {
	return &Registry{ids: ids}
}

func (r *Registry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *Registry) Random() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[rand.Intn(len(r.ids))]
}

// tolerable reports errors that are expected under contention: another actor
// got there first, the retry budget ran out, or the buyer ran dry.
func tolerable(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrConflict) ||
		errors.Is(err, escrow.ErrInsufficientFunds) ||
		errors.Is(err, escrow.ErrNotFound)
}

// Creator opens small escrows between the seeded buyer and seller and feeds
// their ids to the registry.
func Creator(ctx context.Context, svc *escrow.Service, reg *Registry, buyerID, sellerEmail string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rec, err := svc.Create(ctx, escrow.CreateParams{
			BuyerID:     buyerID,
			SellerEmail: sellerEmail,
			Title:       fmt.Sprintf("stress escrow %d", rand.Int63()),
			Amount:      float64(1 + rand.Intn(5)),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("creator: %w", err)
		}
		reg.Add(rec.ID)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Funder races to fund pending escrows as the buyer. Losing the race shows up
// as ErrInvalidState and is expected.
func Funder(ctx context.Context, svc *escrow.Service, reg *Registry, buyerID string, stop <-chan struct{}) error {
	return transitionLoop(ctx, reg, stop, 10, 20, func(id string) error {
		return svc.Fund(ctx, id, buyerID)
	})
}

// Releaser releases funded escrows as the buyer.
func Releaser(ctx context.Context, svc *escrow.Service, reg *Registry, buyerID string, stop <-chan struct{}) error {
	return transitionLoop(ctx, reg, stop, 15, 30, func(id string) error {
		return svc.Release(ctx, id, buyerID)
	})
}

// Canceller cancels pending escrows as the seller, racing the funder for the
// same rows.
func Canceller(ctx context.Context, svc *escrow.Service, reg *Registry, sellerID string, stop <-chan struct{}) error {
	return transitionLoop(ctx, reg, stop, 30, 50, func(id string) error {
		return svc.Cancel(ctx, id, sellerID)
	})
}

// Disputer disputes funded escrows as the seller, racing the releaser.
func Disputer(ctx context.Context, svc *escrow.Service, reg *Registry, sellerID string, stop <-chan struct{}) error {
	return transitionLoop(ctx, reg, stop, 60, 80, func(id string) error {
		return svc.Dispute(ctx, id, sellerID)
	})
}

// DashboardReader hammers the aggregate read path while writers churn.
func DashboardReader(ctx context.Context, svc *escrow.Service, userID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.DashboardFor(ctx, userID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !tolerable(err) {
				return fmt.Errorf("dashboard reader: %w", err)
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

func transitionLoop(ctx context.Context, reg *Registry, stop <-chan struct{}, sleepBase, sleepJitter int, do func(id string) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id := reg.Random(); id != "" {
			if err := do(id); err != nil && !tolerable(err) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
		time.Sleep(time.Duration(sleepBase+rand.Intn(sleepJitter)) * time.Millisecond)
	}
}
