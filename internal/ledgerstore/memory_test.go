package ledgerstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/models"
)

func newTestAccount(userID string, allotment int64) *models.Account {
	return &models.Account{
		UserID:           userID,
		Plan:             "pro",
		MonthlyAllotment: allotment,
		UsageByService:   make(map[string]int64),
		PeriodStart:      time.Now().UTC(),
	}
}

func consumeEntry(userID string, amount int64, opID string) models.HistoryEntry {
	return models.HistoryEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		Service:     models.ServiceTextToSpeech,
		Delta:       -amount,
		Operation:   models.HistoryOpConsumed,
		OperationID: opID,
	}
}

func TestMemoryStoreAccountLifecycle(t *testing.T) {
	store, err := NewMemoryStore(Config{Type: models.LedgerStoreMemory})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	_, err = store.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 1000)))
	assert.ErrorIs(t, store.CreateAccount(ctx, newTestAccount("user-1", 1000)), ErrAccountExists)

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), account.MonthlyAllotment)
	assert.Zero(t, account.Used)
	assert.False(t, account.CreatedAt.IsZero())
}

func TestMemoryStoreIncrementUsed(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 100)))

	result, err := store.IncrementUsed(ctx, "user-1", 60, models.ServiceTextToSpeech, consumeEntry("user-1", 60, "op-1"))
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(60), result.Used)

	// Over the cap: nothing applies.
	_, err = store.IncrementUsed(ctx, "user-1", 50, models.ServiceTextToSpeech, consumeEntry("user-1", 50, "op-2"))
	assert.ErrorIs(t, err, ErrCapExceeded)

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), account.Used)
	assert.Equal(t, int64(60), account.UsageByService[models.ServiceTextToSpeech])

	history, err := store.History(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryOpConsumed, history[0].Operation)
	assert.Equal(t, int64(-60), history[0].Delta)
}

func TestMemoryStoreIncrementIdempotent(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 100)))

	first, err := store.IncrementUsed(ctx, "user-1", 40, models.ServiceTextToSpeech, consumeEntry("user-1", 40, "op-1"))
	require.NoError(t, err)
	assert.True(t, first.Applied)

	replay, err := store.IncrementUsed(ctx, "user-1", 40, models.ServiceTextToSpeech, consumeEntry("user-1", 40, "op-1"))
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Equal(t, int64(40), replay.Used)

	history, err := store.History(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "replay must not append a second entry")
}

func TestMemoryStoreExpiredRolloverNotSpendable(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	account := newTestAccount("user-1", 100)
	account.Rollover = 50
	expired := time.Now().UTC().Add(-time.Hour)
	account.RolloverExpiresAt = &expired
	require.NoError(t, store.CreateAccount(ctx, account))

	_, err = store.IncrementUsed(ctx, "user-1", 120, models.ServiceTextToSpeech, consumeEntry("user-1", 120, "op-1"))
	assert.ErrorIs(t, err, ErrCapExceeded)

	result, err := store.IncrementUsed(ctx, "user-1", 100, models.ServiceTextToSpeech, consumeEntry("user-1", 100, "op-2"))
	require.NoError(t, err)
	assert.True(t, result.Applied)
}

func TestMemoryStoreConcurrentIncrementsRespectCap(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 100)))

	const workers = 20
	var wg sync.WaitGroup
	applied := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := store.IncrementUsed(ctx, "user-1", 10, models.ServiceTextToSpeech,
				consumeEntry("user-1", 10, uuid.NewString()))
			if err == nil && result.Applied {
				applied <- 10
			}
		}(i)
	}
	wg.Wait()
	close(applied)

	var total int64
	for amount := range applied {
		total += amount
	}
	assert.Equal(t, int64(100), total, "exactly the cap must be spendable")

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.Used)
}

func TestMemoryStoreAddCredits(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 100)))

	entry := models.HistoryEntry{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		Timestamp: time.Now().UTC(),
		Delta:     50,
		Operation: models.HistoryOpAdded,
	}
	require.NoError(t, store.AddCredits(ctx, "user-1", 50, entry))

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), account.MonthlyAllotment)

	assert.ErrorIs(t, store.AddCredits(ctx, "missing", 50, entry), ErrNotFound)
}

func TestMemoryStoreResetPeriod(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	account := newTestAccount("user-1", 1000)
	require.NoError(t, store.CreateAccount(ctx, account))

	_, err = store.IncrementUsed(ctx, "user-1", 900, models.ServiceTextToSpeech, consumeEntry("user-1", 900, "op-1"))
	require.NoError(t, err)

	expires := time.Now().UTC().AddDate(0, 1, 0)
	entries := []models.HistoryEntry{
		{ID: uuid.NewString(), UserID: "user-1", Timestamp: time.Now().UTC(), Delta: 100, Operation: models.HistoryOpRollover},
		{ID: uuid.NewString(), UserID: "user-1", Timestamp: time.Now().UTC(), Delta: 1000, Operation: models.HistoryOpReset},
	}
	require.NoError(t, store.ResetPeriod(ctx, "user-1", 1000, 100, &expires, entries))

	updated, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, updated.Used)
	assert.Equal(t, int64(100), updated.Rollover)
	assert.Empty(t, updated.UsageByService)
	assert.True(t, updated.PeriodStart.After(account.PeriodStart))

	history, err := store.History(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Newest first: reset, rollover, consumed.
	assert.Equal(t, models.HistoryOpReset, history[0].Operation)
	assert.Equal(t, models.HistoryOpRollover, history[1].Operation)
	assert.Equal(t, models.HistoryOpConsumed, history[2].Operation)
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 1000)))

	for i := 0; i < 5; i++ {
		_, err := store.IncrementUsed(ctx, "user-1", 1, models.ServiceTextToSpeech,
			consumeEntry("user-1", 1, uuid.NewString()))
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestMemoryStoreCopiesStateOut(t *testing.T) {
	store, err := NewMemoryStore(Config{})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, newTestAccount("user-1", 100)))

	account, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	account.Used = 999
	account.UsageByService["tampered"] = 1

	fresh, err := store.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, fresh.Used)
	assert.NotContains(t, fresh.UsageByService, "tampered")
}
