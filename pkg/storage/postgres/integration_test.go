//go:build integration

package postgres

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/ledger"
)

// setupStore starts PostgreSQL in a container and returns a migrated store
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("creditd_test"),
		tcpostgres.WithUsername("creditd"),
		tcpostgres.WithPassword("creditd_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cm, err := NewConnectionManager(ConnectionConfig{PrimaryURL: connStr, MaxConns: 32}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	s := NewStore(cm, nil)
	require.NoError(t, s.Migrate(ctx))
	// a second run must be a no-op
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestIntegration_Ledger(t *testing.T) {
	s := setupStore(t)
	l := ledger.New(s)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)
	end := start.AddDate(0, 1, 0)

	t.Run("concurrent credit pack grants apply once", func(t *testing.T) {
		var processed atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				res, err := l.GrantPurchasedCredits(gctx, "org-pack", 500, "pack_500", "500 credits", "cs_concurrent")
				if err != nil {
					return err
				}
				if res.Processed {
					processed.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), processed.Load())

		b, err := l.GetBalance(ctx, "org-pack")
		require.NoError(t, err)
		assert.Equal(t, int64(500), b.PurchasedCredits)
	})

	t.Run("concurrent debits serialize on the balance row", func(t *testing.T) {
		_, err := l.Grant(ctx, "org-busy", 100, start, end, "grant:org-busy")
		require.NoError(t, err)

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 20; i++ {
			jobID := "job-" + string(rune('a'+i))
			g.Go(func() error {
				_, err := l.DebitUsage(gctx, "org-busy", 10, "transcribe", jobID)
				return err
			})
		}
		require.NoError(t, g.Wait())

		b, err := l.GetBalance(ctx, "org-busy")
		require.NoError(t, err)
		assert.Equal(t, int64(200), b.Used)
		assert.Equal(t, int64(100), b.Overage)

		report, err := l.Audit(ctx, "org-busy")
		require.NoError(t, err)
		assert.True(t, report.Consistent)
	})

	t.Run("transactions are append-only", func(t *testing.T) {
		_, err := s.conns.Primary().ExecContext(ctx, `DELETE FROM credit_transactions WHERE organization_id = 'org-busy'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "append-only")
	})

	t.Run("lifecycle writes join one transaction", func(t *testing.T) {
		err := s.WithTx(ctx, func(ctx context.Context) error {
			if err := s.UpsertPurchase(ctx, &billing.Purchase{
				SubscriptionID: "sub_rollback",
				OrganizationID: "org-rollback",
				CustomerID:     "cus_rollback",
				Type:           billing.PurchaseTypeSubscription,
				ProductID:      "price_pro",
				Status:         "active",
			}); err != nil {
				return err
			}
			_, err := l.ResetForNewPeriod(ctx, "org-rollback", 100, start, end, "invoice:in_rollback")
			return err
		})
		require.ErrorIs(t, err, ledger.ErrBalanceNotFound)

		_, err = s.GetPurchaseBySubscription(ctx, "sub_rollback")
		assert.ErrorIs(t, err, billing.ErrPurchaseNotFound)
	})
}
