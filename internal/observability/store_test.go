package observability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/ledgerstore"
	"metergate/internal/models"
	"metergate/internal/version"
)

func setupTestProvider(t *testing.T) *Provider {
	t.Helper()
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{
		ServiceName: "test",
		Tracing: models.TracingConfig{
			Enabled:    true,
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
	provider, err := Setup(metrics, obs, version.Info{})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return provider
}

func setupMemoryStore(t *testing.T) ledgerstore.Store {
	t.Helper()
	s, err := ledgerstore.NewMemoryStore(ledgerstore.Config{Type: "memory"})
	require.NoError(t, err)
	return s
}

func newAccount(userID string) *models.Account {
	now := time.Now().UTC()
	return &models.Account{
		UserID:           userID,
		Plan:             "pro",
		MonthlyAllotment: 1000,
		UsageByService:   make(map[string]int64),
		PeriodStart:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func consumedEntry(userID string, amount int64, opID string) models.HistoryEntry {
	return models.HistoryEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		Service:     models.ServiceTextToSpeech,
		Delta:       -amount,
		Operation:   models.HistoryOpConsumed,
		OperationID: opID,
	}
}

func TestNewInstrumentedStore(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)
	assert.NotNil(t, instrumented)
}

func TestInstrumentedStore_AccountOperations(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	ctx := context.Background()

	err = instrumented.CreateAccount(ctx, newAccount("user-1"))
	assert.NoError(t, err)

	account, err := instrumented.GetAccount(ctx, "user-1")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, int64(1000), account.MonthlyAllotment)
}

func TestInstrumentedStore_IncrementAndHistory(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, instrumented.CreateAccount(ctx, newAccount("user-1")))

	result, err := instrumented.IncrementUsed(ctx, "user-1", 100, models.ServiceTextToSpeech, consumedEntry("user-1", 100, "op-1"))
	assert.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(100), result.Used)

	history, err := instrumented.History(ctx, "user-1", 10)
	assert.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestInstrumentedStore_AddCreditsAndReset(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, instrumented.CreateAccount(ctx, newAccount("user-1")))

	addEntry := models.HistoryEntry{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		Timestamp: time.Now().UTC(),
		Delta:     500,
		Operation: models.HistoryOpAdded,
	}
	assert.NoError(t, instrumented.AddCredits(ctx, "user-1", 500, addEntry))

	resetEntry := models.HistoryEntry{
		ID:        uuid.New().String(),
		UserID:    "user-1",
		Timestamp: time.Now().UTC(),
		Operation: models.HistoryOpReset,
	}
	assert.NoError(t, instrumented.ResetPeriod(ctx, "user-1", 1000, 0, nil, []models.HistoryEntry{resetEntry}))

	account, err := instrumented.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.MonthlyAllotment)
	assert.Zero(t, account.Used)
}

func TestInstrumentedStore_ErrorRecording(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	// GetAccount for an unknown user should record an error span
	_, err = instrumented.GetAccount(context.Background(), "non-existent")
	assert.ErrorIs(t, err, ledgerstore.ErrNotFound)
}

func TestInstrumentedStore_Close(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	err = instrumented.Close()
	assert.NoError(t, err)
}

func TestInstrumentedStore_ImplementsInterface(t *testing.T) {
	_ = setupTestProvider(t)
	inner := setupMemoryStore(t)

	instrumented, err := NewInstrumentedStore(inner)
	require.NoError(t, err)

	var _ ledgerstore.Store = instrumented
}
