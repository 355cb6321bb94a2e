package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// TestFundReleaseLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and verifies the end-to-end repository + service behavior,
// including that money is conserved across fund and release.
func TestFundReleaseLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "users") || !tableExists(ctx, t, pool, "escrows") || !tableExists(ctx, t, pool, "milestones") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	var buyerID, sellerID string
	sellerEmail := fmt.Sprintf("seller+%d@example.com", time.Now().UnixNano())

	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, balance) VALUES ($1, $2, 100) RETURNING id`,
		fmt.Sprintf("buyer+%d@example.com", time.Now().UnixNano()), "Blake Buyer").Scan(&buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, balance) VALUES ($1, $2, 0) RETURNING id`,
		sellerEmail, "Sam Seller").Scan(&sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}

	svc := NewService(pool, NewRepository(pool))

	rec, err := svc.Create(ctx, CreateParams{
		BuyerID:     buyerID,
		SellerEmail: sellerEmail,
		Title:       "integration escrow",
		Amount:      40,
		Milestones: []MilestoneParams{
			{Title: "design", Amount: 15},
			{Title: "delivery", Amount: 25},
		},
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	// Escrows are retained by the delete guard, so only the milestone rows are
	// worth cleaning up. The seeded users stay referenced and stay too.
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM milestones WHERE escrow_id = $1`, rec.ID)
	})

	if rec.Status != StatusPending {
		t.Fatalf("expected pending after create, got %q", rec.Status)
	}
	if rec.SellerID != sellerID {
		t.Fatalf("expected seller resolved to %s, got %s", sellerID, rec.SellerID)
	}

	// Fund: buyer debited, status funded
	if err := svc.Fund(ctx, rec.ID, buyerID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	assertBalance(t, ctx, pool, buyerID, 60)
	assertStatus(t, ctx, pool, rec.ID, "funded")

	// Funding again must fail without touching the balance
	if err := svc.Fund(ctx, rec.ID, buyerID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double fund, got %v", err)
	}
	assertBalance(t, ctx, pool, buyerID, 60)

	// Release: seller credited, escrow completed, milestones swept
	if err := svc.Release(ctx, rec.ID, buyerID); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertBalance(t, ctx, pool, sellerID, 40)
	assertStatus(t, ctx, pool, rec.ID, "completed")

	var incomplete int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE escrow_id = $1 AND NOT is_completed`, rec.ID).Scan(&incomplete); err != nil {
		t.Fatalf("verify milestones: %v", err)
	}
	if incomplete != 0 {
		t.Fatalf("expected all milestones completed after release, got %d incomplete", incomplete)
	}

	// Conservation: no money created or destroyed across the full lifecycle
	var total float64
	if err := pool.QueryRow(ctx, `SELECT SUM(balance) FROM users WHERE id IN ($1, $2)`, buyerID, sellerID).Scan(&total); err != nil {
		t.Fatalf("verify totals: %v", err)
	}
	if total != 100 {
		t.Fatalf("expected combined balance 100 after settlement, got %v", total)
	}
}

// TestConcurrentFund_Integration races several funders on the same pending
// escrow; exactly one must win and the buyer must be debited exactly once.
func TestConcurrentFund_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "escrows") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	var buyerID, sellerID string
	sellerEmail := fmt.Sprintf("seller+%d@example.com", time.Now().UnixNano())
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, balance) VALUES ($1, $2, 100) RETURNING id`,
		fmt.Sprintf("buyer+%d@example.com", time.Now().UnixNano()), "Blake Buyer").Scan(&buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, balance) VALUES ($1, $2, 0) RETURNING id`,
		sellerEmail, "Sam Seller").Scan(&sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}

	svc := NewService(pool, NewRepository(pool))

	rec, err := svc.Create(ctx, CreateParams{
		BuyerID:     buyerID,
		SellerEmail: sellerEmail,
		Title:       "contended escrow",
		Amount:      25,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	const racers = 8
	var wins, losses atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			err := svc.Fund(gctx, rec.ID, buyerID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrInvalidState) || errors.Is(err, ErrConflict):
				losses.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent fund: %v", err)
	}

	if wins.Load() != 1 {
		t.Fatalf("expected exactly 1 winning fund, got %d (losses %d)", wins.Load(), losses.Load())
	}
	assertBalance(t, ctx, pool, buyerID, 75)
	assertStatus(t, ctx, pool, rec.ID, "funded")
}

func assertBalance(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID string, want float64) {
	t.Helper()
	var got float64
	if err := pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&got); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if got != want {
		t.Fatalf("expected balance %v for %s, got %v", want, userID, got)
	}
}

func assertStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, escrowID, want string) {
	t.Helper()
	var got string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id = $1`, escrowID).Scan(&got); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %q for %s, got %q", want, escrowID, got)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
