package calibration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResultStore struct {
	mu      sync.Mutex
	results map[string]*repository.CalibrationResult
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{results: make(map[string]*repository.CalibrationResult)}
}

func (f *fakeResultStore) SaveResult(_ context.Context, result *repository.CalibrationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := *result
	f.results[result.DeviceID] = &saved
	return nil
}

func (f *fakeResultStore) GetResult(_ context.Context, deviceID string) (*repository.CalibrationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[deviceID]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, fmt.Errorf("calibration result not found: %s", deviceID)
}

type fakeGate struct {
	online map[string]bool
}

func (f *fakeGate) IsOnline(deviceID string) bool { return f.online[deviceID] }

type fakeCalNotifier struct {
	mu       sync.Mutex
	statuses int
	notices  []string
}

func (f *fakeCalNotifier) BroadcastStatus(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	return nil
}

func (f *fakeCalNotifier) Notice(_ context.Context, _ string, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, code)
	return nil
}

func (f *fakeCalNotifier) noticeCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notices...)
}

func newTestWorkflow(t *testing.T, deadline, confirmWait time.Duration) (*Workflow, *fakeResultStore, *fakeCalNotifier) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Calibration.Deadline = deadline
	cfg.Calibration.ConfirmWait = confirmWait

	store := newFakeResultStore()
	notifier := &fakeCalNotifier{}
	gate := &fakeGate{online: map[string]bool{"roller-01": true}}
	return NewWorkflow(cfg, store, gate, notifier, zap.NewNop()), store, notifier
}

func TestWorkflow_FullCycle(t *testing.T) {
	wf, _, notifier := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	session, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingStartAck, session.State)

	wf.Confirm("roller-01")
	require.NoError(t, wf.WaitForConfirm(ctx, "roller-01"))
	assert.Equal(t, StateCalibrating, wf.State("roller-01"))

	// 样段 10000mm 走了 2000 边沿，满卷 50000mm → 10000 边沿
	result, err := wf.Finish(ctx, "roller-01", 3000, 50000)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, result.FullEdges)
	assert.Equal(t, 50000.0, result.TargetLengthMm)

	assert.Equal(t, StateIdle, wf.State("roller-01"))
	assert.Equal(t, 1, notifier.statuses)
}

func TestWorkflow_StartRejectedWhenOffline(t *testing.T) {
	wf, _, _ := newTestWorkflow(t, 5*time.Minute, time.Second)

	_, err := wf.Start(context.Background(), "roller-99", 0, 10000)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestWorkflow_StartRejectedWhenBusy(t *testing.T) {
	wf, _, _ := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	_, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)

	_, err = wf.Start(ctx, "roller-01", 1000, 10000)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestWorkflow_FinishRequiresCalibratingState(t *testing.T) {
	wf, _, _ := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	// 未发起
	_, err := wf.Finish(ctx, "roller-01", 3000, 50000)
	assert.ErrorIs(t, err, ErrNotCalibrating)

	// 已发起但设备尚未确认
	_, err = wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)
	_, err = wf.Finish(ctx, "roller-01", 3000, 50000)
	assert.ErrorIs(t, err, ErrNotCalibrating)
}

func TestWorkflow_FinishReusesStoredTargetLength(t *testing.T) {
	wf, store, _ := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	require.NoError(t, store.SaveResult(ctx, &repository.CalibrationResult{
		DeviceID:       "roller-01",
		TargetLengthMm: 50000,
	}))

	_, err := wf.Start(ctx, "roller-01", 0, 10000)
	require.NoError(t, err)
	wf.Confirm("roller-01")

	// target=0 沿用上次存储的 50000mm
	result, err := wf.Finish(ctx, "roller-01", 2000, 0)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, result.FullEdges)
	assert.Equal(t, 50000.0, result.TargetLengthMm)
}

func TestWorkflow_FinishRejectsZeroMeasuredEdges(t *testing.T) {
	wf, _, _ := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	_, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)
	wf.Confirm("roller-01")

	_, err = wf.Finish(ctx, "roller-01", 1000, 50000)
	assert.Error(t, err)
}

func TestWorkflow_CancelReturnsToIdle(t *testing.T) {
	wf, store, _ := newTestWorkflow(t, 5*time.Minute, time.Second)
	ctx := context.Background()

	_, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)
	wf.Confirm("roller-01")

	require.NoError(t, wf.Cancel(ctx, "roller-01"))
	assert.Equal(t, StateIdle, wf.State("roller-01"))

	// 取消不落盘任何结果
	_, err = store.GetResult(ctx, "roller-01")
	assert.Error(t, err)

	// 取消后可以重新发起
	_, err = wf.Start(ctx, "roller-01", 1200, 10000)
	assert.NoError(t, err)
}

func TestWorkflow_ConfirmWaitTimeoutKeepsSession(t *testing.T) {
	wf, _, _ := newTestWorkflow(t, 5*time.Minute, 30*time.Millisecond)
	ctx := context.Background()

	_, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)

	// 等待方超时，但会话保留到硬期限
	err = wf.WaitForConfirm(ctx, "roller-01")
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.Equal(t, StateAwaitingStartAck, wf.State("roller-01"))

	// 迟到的确认仍然生效
	wf.Confirm("roller-01")
	assert.Equal(t, StateCalibrating, wf.State("roller-01"))
}

func TestWorkflow_DeadlineForcesIdle(t *testing.T) {
	wf, store, notifier := newTestWorkflow(t, 30*time.Millisecond, time.Second)
	ctx := context.Background()

	_, err := wf.Start(ctx, "roller-01", 1000, 10000)
	require.NoError(t, err)
	wf.Confirm("roller-01")

	require.Eventually(t, func() bool {
		return wf.State("roller-01") == StateIdle
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, notifier.noticeCodes(), "calibration_timeout")

	// 超时不落盘
	_, err = store.GetResult(ctx, "roller-01")
	assert.Error(t, err)
}
