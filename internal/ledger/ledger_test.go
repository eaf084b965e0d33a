package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/store"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyLog fails every transaction log write but applies mutations normally.
type flakyLog struct {
	*store.Store
}

func (f flakyLog) AppendTransaction(ctx context.Context, t *models.CreditTransaction) error {
	return errors.New("log table unavailable")
}

func newTestStore(t *testing.T) *store.Store {
	s, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, balance int64) *Ledger {
	l := New(newTestStore(t), nil, balance)
	_, err := l.EnsureAccount(context.Background(), "user-1")
	require.NoError(t, err)
	return l
}

func TestEnsureAccount_LogsWelcomeBonus(t *testing.T) {
	l := newTestLedger(t, DefaultWelcomeBonus)
	ctx := context.Background()

	assert.Equal(t, int64(DefaultWelcomeBonus), l.Balance(ctx, "user-1"))

	txns, err := l.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionBonus, txns[0].Type)
}

func TestDeduct_ExactBalanceSucceeds(t *testing.T) {
	l := newTestLedger(t, 5)
	ctx := context.Background()

	ok, err := l.Deduct(ctx, "user-1", 5, "Post to X")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), l.Balance(ctx, "user-1"))
}

func TestDeduct_MoreThanBalanceFails(t *testing.T) {
	l := newTestLedger(t, 5)
	ctx := context.Background()

	ok, err := l.Deduct(ctx, "user-1", 6, "Post to X")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(5), l.Balance(ctx, "user-1"))

	txns, err := l.Transactions(ctx, "user-1", 10)
	require.NoError(t, err)
	for _, tx := range txns {
		assert.NotEqual(t, models.TransactionUsage, tx.Type, "failed deduction must not be logged")
	}
}

func TestDeduct_ConcurrentAgainstSingleCredit(t *testing.T) {
	l := newTestLedger(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Deduct(ctx, "user-1", 1, "Post to X")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), l.Balance(ctx, "user-1"))
}

func TestDeduct_UnknownUserIsInsufficient(t *testing.T) {
	l := New(newTestStore(t), nil, 0)

	ok, err := l.Deduct(context.Background(), "ghost", 1, "Post to X")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeduct_LogFailureKeepsDeduction(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.EnsureAccount(context.Background(), "user-1", 3)
	require.NoError(t, err)

	l := New(flakyLog{s}, nil, 0)
	ok, err := l.Deduct(context.Background(), "user-1", 1, "Post to X")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), l.Balance(context.Background(), "user-1"))
}

func TestRefund_RestoresPreChargeBalance(t *testing.T) {
	l := newTestLedger(t, 5)
	ctx := context.Background()

	ok, err := l.Deduct(ctx, "user-1", 1, "Post to X")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Refund(ctx, "user-1", 1, "Refund: post to X failed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), l.Balance(ctx, "user-1"))

	acc, err := l.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.TotalPurchased, "refund is not a purchase")
}

func TestAdd_SourceRefCreditedOnce(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	ok, err := l.Add(ctx, "user-1", 100, "Credit pack", "cs_live_abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Add(ctx, "user-1", 100, "Credit pack", "cs_live_abc")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(100), l.Balance(ctx, "user-1"))
}

func TestAdd_CreatesMissingAccount(t *testing.T) {
	l := New(newTestStore(t), nil, 10)
	ctx := context.Background()

	ok, err := l.Add(ctx, "new-user", 20, "Credit pack", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(30), l.Balance(ctx, "new-user"))
}

func TestAdd_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t, 0)
	_, err := l.Add(context.Background(), "user-1", 0, "nothing", "")
	assert.Error(t, err)
}

func TestSubscribe_PushesCurrentThenChanges(t *testing.T) {
	l := newTestLedger(t, 3)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int64
	unsubscribe := l.Subscribe(ctx, "user-1", func(b int64) {
		mu.Lock()
		seen = append(seen, b)
		mu.Unlock()
	})

	_, err := l.Deduct(ctx, "user-1", 1, "Post to X")
	require.NoError(t, err)
	_, err = l.Add(ctx, "user-1", 4, "Credit pack", "")
	require.NoError(t, err)

	unsubscribe()
	_, err = l.Deduct(ctx, "user-1", 1, "Post to X")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{3, 2, 6}, seen)
}

func TestSubscribe_UnconfiguredReportsZero(t *testing.T) {
	l := New(nil, nil, 0)

	var got int64 = -1
	unsubscribe := l.Subscribe(context.Background(), "user-1", func(b int64) { got = b })
	defer unsubscribe()

	assert.Equal(t, int64(0), got)
	assert.False(t, l.HasEnough(context.Background(), "user-1", 1))

	_, err := l.Deduct(context.Background(), "user-1", 1, "Post to X")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHasEnough(t *testing.T) {
	l := newTestLedger(t, 2)
	ctx := context.Background()

	assert.True(t, l.HasEnough(ctx, "user-1", 2))
	assert.False(t, l.HasEnough(ctx, "user-1", 3))
}

func TestRedisNotifier_PublishesToChannel(t *testing.T) {
	db, mock := redismock.NewClientMock()
	n := NewRedisNotifier(db)
	n.origin = "device-a"

	var local int64
	n.Subscribe("user-1", func(b int64) { local = b })

	mock.ExpectPublish("devcast:credits:user-1", "device-a:7").SetVal(1)
	n.Publish(context.Background(), "user-1", 7)

	assert.Equal(t, int64(7), local)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisNotifier_PublishFailureStillNotifiesLocally(t *testing.T) {
	db, mock := redismock.NewClientMock()
	n := NewRedisNotifier(db)
	n.origin = "device-a"

	var local int64
	n.Subscribe("user-1", func(b int64) { local = b })

	mock.ExpectPublish("devcast:credits:user-1", "device-a:4").SetErr(errors.New("connection refused"))
	n.Publish(context.Background(), "user-1", 4)

	assert.Equal(t, int64(4), local)
}

func TestParseMessage(t *testing.T) {
	origin, balance, err := parseMessage("3f1c-device:42")
	require.NoError(t, err)
	assert.Equal(t, "3f1c-device", origin)
	assert.Equal(t, int64(42), balance)

	_, _, err = parseMessage("42")
	assert.Error(t, err)
	_, _, err = parseMessage("dev:abc")
	assert.Error(t, err)
}
