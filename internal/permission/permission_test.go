package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rollcall/ble-attendance/internal/errors"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) Check(ctx context.Context, c Category) (Status, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(Status), args.Error(1)
}

func (m *mockChecker) Request(ctx context.Context, c Category, rationale Rationale) (Status, error) {
	args := m.Called(ctx, c, rationale)
	return args.Get(0).(Status), args.Error(1)
}

func (m *mockChecker) OpenSettings(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestRequired(t *testing.T) {
	assert.Empty(t, Required(PlatformIOS, 0, RoleAdvertiser))
	assert.Equal(t, []Category{CategoryLocation}, Required(PlatformAndroid, 29, RoleScanner))
	assert.Equal(t, []Category{CategoryBluetoothScan, CategoryBluetoothConnect}, Required(PlatformAndroid, 33, RoleScanner))
	assert.Equal(t,
		[]Category{CategoryBluetoothScan, CategoryBluetoothConnect, CategoryBluetoothAdvertise},
		Required(PlatformAndroid, 31, RoleAdvertiser))
}

func TestEvaluate(t *testing.T) {
	categories := []Category{CategoryBluetoothScan, CategoryBluetoothConnect}

	state := Evaluate(categories, map[Category]Status{
		CategoryBluetoothScan:    StatusGranted,
		CategoryBluetoothConnect: StatusDenied,
	})
	assert.False(t, state.AllGranted)
	assert.Equal(t, []Category{CategoryBluetoothConnect}, state.Missing)

	state = Evaluate(nil, nil)
	assert.True(t, state.AllGranted)
	assert.Empty(t, state.Missing)
}

func TestEnsure(t *testing.T) {
	ctx := context.Background()
	categories := []Category{CategoryBluetoothScan, CategoryBluetoothConnect}

	t.Run("already granted does not prompt", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("Check", ctx, mock.Anything).Return(StatusGranted, nil)

		state, err := Ensure(ctx, checker, categories, DefaultRationale)
		require.NoError(t, err)
		assert.True(t, state.AllGranted)
		checker.AssertNotCalled(t, "Request", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("requests missing permissions with rationale", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("Check", ctx, CategoryBluetoothScan).Return(StatusGranted, nil)
		checker.On("Check", ctx, CategoryBluetoothConnect).Return(StatusCanRequest, nil)
		checker.On("Request", ctx, CategoryBluetoothConnect, DefaultRationale).Return(StatusGranted, nil)

		state, err := Ensure(ctx, checker, categories, DefaultRationale)
		require.NoError(t, err)
		assert.True(t, state.AllGranted)
	})

	t.Run("denied request asks to grant", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("Check", ctx, mock.Anything).Return(StatusDenied, nil)
		checker.On("Request", ctx, mock.Anything, DefaultRationale).Return(StatusDenied, nil)

		state, err := Ensure(ctx, checker, categories, DefaultRationale)
		require.Error(t, err)
		assert.Len(t, state.Missing, 2)

		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodePermissionsDenied, appErr.Code)
		assert.Equal(t, apperrors.ActionGrantPermission, appErr.Action)
		checker.AssertNotCalled(t, "OpenSettings", mock.Anything)
	})

	t.Run("permanently denied redirects to settings", func(t *testing.T) {
		checker := &mockChecker{}
		checker.On("Check", ctx, CategoryBluetoothScan).Return(StatusNeverAskAgain, nil)
		checker.On("Check", ctx, CategoryBluetoothConnect).Return(StatusGranted, nil)
		checker.On("OpenSettings", ctx).Return(nil)

		_, err := Ensure(ctx, checker, categories, DefaultRationale)
		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ActionOpenSettings, appErr.Action)
		assert.True(t, appErr.Recoverable)
		checker.AssertCalled(t, "OpenSettings", ctx)
		checker.AssertNotCalled(t, "Request", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("always granted checker", func(t *testing.T) {
		state, err := Ensure(ctx, AlwaysGranted{}, categories, DefaultRationale)
		require.NoError(t, err)
		assert.True(t, state.AllGranted)
	})
}
