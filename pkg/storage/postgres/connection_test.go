package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/creditd/pkg/observability"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single URL", input: "postgres://localhost:5432/db", expected: []string{"postgres://localhost:5432/db"}},
		{
			name:     "URLs with whitespace",
			input:    " postgres://host1:5432/db , postgres://host2:5432/db ",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{
			name:     "URLs with empty entries",
			input:    "postgres://host1:5432/db,,postgres://host2:5432/db,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{name: "only commas and whitespace", input: " , , , ", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestConnectionConfig_Defaults(t *testing.T) {
	cfg := ConnectionConfig{PrimaryURL: "postgres://localhost/creditd"}.withDefaults()
	assert.Equal(t, 25, cfg.MaxConns)
	assert.Equal(t, 5, cfg.MinConns)
	assert.NotZero(t, cfg.Timeout)
	assert.NotZero(t, cfg.MaxLifetime)
	assert.NotZero(t, cfg.MaxIdleTime)

	custom := ConnectionConfig{MaxConns: 4, MinConns: 1}.withDefaults()
	assert.Equal(t, 4, custom.MaxConns)
	assert.Equal(t, 1, custom.MinConns)
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("no replicas - fallback to primary", func(t *testing.T) {
		primaryDB := &sql.DB{}
		cm := &ConnectionManager{primary: primaryDB}
		assert.Same(t, primaryDB, cm.Replica())
	})

	t.Run("round-robin selection", func(t *testing.T) {
		replica1, replica2, replica3 := &sql.DB{}, &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{
			primary:  &sql.DB{},
			replicas: []*sql.DB{replica1, replica2, replica3},
		}

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[replica1])
		assert.Equal(t, 10, selections[replica2])
		assert.Equal(t, 10, selections[replica3])
	})

	t.Run("concurrent selection", func(t *testing.T) {
		replica1, replica2 := &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{replica1, replica2}}

		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			selections = make(map[*sql.DB]int)
		)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := cm.Replica()
				mu.Lock()
				selections[r]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, selections[replica1])
		assert.Equal(t, 50, selections[replica2])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary and replicas", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{replicaDB},
			logger:   observability.NopLogger(),
		}
		require.NoError(t, cm.HealthCheck(context.Background()))
		assert.Len(t, cm.replicas, 1)
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primaryDB, logger: observability.NopLogger()}
		err = cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("unhealthy replica is dropped", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		goodDB, goodMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer goodDB.Close()
		badDB, badMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)

		primaryMock.ExpectPing()
		goodMock.ExpectPing()
		badMock.ExpectPing().WillReturnError(errors.New("timeout"))
		badMock.ExpectClose()

		cm := &ConnectionManager{
			primary:  primaryDB,
			replicas: []*sql.DB{goodDB, badDB},
			logger:   observability.NopLogger(),
		}
		require.NoError(t, cm.HealthCheck(context.Background()))
		require.Len(t, cm.replicas, 1)
		assert.Same(t, goodDB, cm.replicas[0])
		assert.NoError(t, badMock.ExpectationsWereMet())
	})
}

func TestConnectionManager_Close(t *testing.T) {
	primaryDB, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	replicaDB, replicaMock, err := sqlmock.New()
	require.NoError(t, err)

	primaryMock.ExpectClose()
	replicaMock.ExpectClose().WillReturnError(errors.New("close failed"))

	cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{replicaDB}}
	err = cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0")
	assert.Empty(t, cm.replicas)
	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestNewConnectionManager_InvalidPrimary(t *testing.T) {
	_, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL: "postgres://creditd@127.0.0.1:1/creditd?sslmode=disable&connect_timeout=1",
		Timeout:    500 * time.Millisecond,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to primary")
}
