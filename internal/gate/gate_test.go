package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/devcast/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Deduct(ctx context.Context, userID string, amount int64, description string) (bool, error) {
	args := m.Called(ctx, userID, amount, description)
	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Refund(ctx context.Context, userID string, amount int64, description string) (bool, error) {
	args := m.Called(ctx, userID, amount, description)
	return args.Bool(0), args.Error(1)
}

func TestCostTable(t *testing.T) {
	tests := []struct {
		platform models.Platform
		action   models.ActionKind
		ownKey   bool
		want     int64
	}{
		{models.PlatformX, models.ActionPost, false, 1},
		{models.PlatformReddit, models.ActionPost, false, 1},
		{models.PlatformDiscord, models.ActionPost, false, 1},
		{models.PlatformX, models.ActionFetchFeedback, false, 1},
		{models.PlatformReddit, models.ActionImportHistory, false, 1},
		{models.PlatformEmail, models.ActionPost, false, 0},
		{models.PlatformEmail, models.ActionFetchFeedback, false, 0},
		{"", models.ActionGenerate, false, 1},
		{"", models.ActionGenerate, true, 0},
		{models.PlatformX, models.ActionGenerate, true, 0},
	}
	for _, tt := range tests {
		got := Cost(tt.platform, tt.action, tt.ownKey)
		assert.Equal(t, tt.want, got, "Cost(%s, %s, ownKey=%v)", tt.platform, tt.action, tt.ownKey)
	}
}

func TestCostsCreditForPlatform(t *testing.T) {
	assert.True(t, CostsCreditForPlatform(models.PlatformX))
	assert.True(t, CostsCreditForPlatform(models.PlatformReddit))
	assert.True(t, CostsCreditForPlatform(models.PlatformDiscord))
	assert.False(t, CostsCreditForPlatform(models.PlatformEmail))
	assert.False(t, CostsCreditForPlatform("myspace"))
}

func TestRequireCredits_FreeSkipsLedger(t *testing.T) {
	l := new(MockLedger)
	g := New(l, "user-1", nil)

	d, err := g.RequireCredits(context.Background(), models.PlatformEmail, models.ActionPost, "Send email")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Amount)
	l.AssertNotCalled(t, "Deduct", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRequireCredits_Charges(t *testing.T) {
	l := new(MockLedger)
	l.On("Deduct", mock.Anything, "user-1", int64(1), "Post to X").Return(true, nil)
	g := New(l, "user-1", nil)

	d, err := g.RequireCredits(context.Background(), models.PlatformX, models.ActionPost, "Post to X")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Amount)
	l.AssertExpectations(t)
}

func TestRequireCredits_DeniedBroadcasts(t *testing.T) {
	l := new(MockLedger)
	l.On("Deduct", mock.Anything, "user-1", int64(1), "Post to X").Return(false, nil)
	g := New(l, "user-1", nil)

	var signals []CreditsNeeded
	unsubscribe := g.OnCreditsNeeded(func(ev CreditsNeeded) { signals = append(signals, ev) })
	defer unsubscribe()

	d, err := g.RequireCredits(context.Background(), models.PlatformX, models.ActionPost, "Post to X")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Error, "post to X")

	require.Len(t, signals, 1)
	assert.NotEmpty(t, signals[0].Reason)
	assert.Equal(t, models.PlatformX, signals[0].Platform)
	assert.Equal(t, models.ActionPost, signals[0].Action)
}

func TestRequireCredits_StoreErrorPropagates(t *testing.T) {
	l := new(MockLedger)
	l.On("Deduct", mock.Anything, "user-1", int64(1), mock.Anything).Return(false, errors.New("database is locked"))
	g := New(l, "user-1", nil)

	fired := false
	g.OnCreditsNeeded(func(CreditsNeeded) { fired = true })

	_, err := g.RequireCredits(context.Background(), models.PlatformReddit, models.ActionFetchFeedback, "Fetch Reddit feedback")
	assert.Error(t, err)
	assert.False(t, fired, "store failures are not credit denials")
}

func TestRequireGeneration(t *testing.T) {
	l := new(MockLedger)
	l.On("Deduct", mock.Anything, "user-1", int64(1), "Generate draft").Return(true, nil).Once()
	g := New(l, "user-1", nil)

	d, err := g.RequireGeneration(context.Background(), true, "Generate draft")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Amount)

	d, err = g.RequireGeneration(context.Background(), false, "Generate draft")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Amount)
	l.AssertExpectations(t)
}

func TestRefundCredits(t *testing.T) {
	l := new(MockLedger)
	l.On("Refund", mock.Anything, "user-1", int64(1), "Refund: post to X failed").Return(true, nil)
	g := New(l, "user-1", nil)

	require.NoError(t, g.RefundCredits(context.Background(), 1, "Refund: post to X failed"))
	require.NoError(t, g.RefundCredits(context.Background(), 0, "nothing charged"))
	l.AssertNumberOfCalls(t, "Refund", 1)
}

func TestRefundCredits_Failure(t *testing.T) {
	l := new(MockLedger)
	l.On("Refund", mock.Anything, "user-1", int64(1), mock.Anything).Return(false, errors.New("network down"))
	g := New(l, "user-1", nil)

	assert.Error(t, g.RefundCredits(context.Background(), 1, "Refund"))
}

func TestOnCreditsNeeded_Unsubscribe(t *testing.T) {
	l := new(MockLedger)
	l.On("Deduct", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	g := New(l, "user-1", nil)

	count := 0
	unsubscribe := g.OnCreditsNeeded(func(CreditsNeeded) { count++ })
	g.RequireCredits(context.Background(), models.PlatformX, models.ActionPost, "Post")
	unsubscribe()
	g.RequireCredits(context.Background(), models.PlatformX, models.ActionPost, "Post")

	assert.Equal(t, 1, count)
}
