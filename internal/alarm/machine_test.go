package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]*models.AlarmRecord
	saves   int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*models.AlarmRecord)}
}

func (f *fakeRecordStore) SaveAlarmRecord(_ context.Context, record *models.AlarmRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved := *record
	f.records[record.DeviceID+"/"+record.Code] = &saved
	f.saves++
	return nil
}

func (f *fakeRecordStore) ListActiveAlarms(_ context.Context) ([]*models.AlarmRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []*models.AlarmRecord
	for _, r := range f.records {
		if r.Active {
			copied := *r
			active = append(active, &copied)
		}
	}
	return active, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts int
	chirps     []string
}

func (f *fakeNotifier) BroadcastAlarm(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	return nil
}

func (f *fakeNotifier) Chirp(_ context.Context, deviceID, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chirps = append(f.chirps, deviceID+"/"+code)
	return nil
}

func (f *fakeNotifier) chirpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chirps)
}

func newTestMachine(t *testing.T) (*Machine, *fakeRecordStore, *fakeNotifier, *time.Time) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Alarm.SnoozeDuration = 15 * time.Minute
	cfg.Alarm.ReminderInterval = 60 * time.Second

	store := newFakeRecordStore()
	notifier := &fakeNotifier{}
	machine := NewMachine(cfg, store, notifier, zap.NewNop())

	// 可控时钟
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	machine.nowFn = func() time.Time { return *clock }
	return machine, store, notifier, clock
}

func TestMachine_AssertAndClear(t *testing.T) {
	machine, store, notifier, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))

	record, ok := machine.Get("heater-01", "probe_timeout")
	require.True(t, ok)
	assert.True(t, record.Active)
	assert.Equal(t, SeverityCritical, record.Severity)
	assert.Equal(t, 1, notifier.broadcasts)

	require.NoError(t, machine.Clear(ctx, "heater-01", "probe_timeout"))
	record, _ = machine.Get("heater-01", "probe_timeout")
	assert.False(t, record.Active)
	assert.NotNil(t, record.ClearedAt)
	assert.Equal(t, 2, store.saves)
}

func TestMachine_AssertIdempotentWhileActive(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))

	// 条件持续存在只产生一次 Active 迁移
	assert.Equal(t, 1, store.saves)
}

func TestMachine_SnoozeKeepsActive(t *testing.T) {
	machine, _, notifier, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Snooze(ctx, "heater-01", "probe_timeout"))

	record, _ := machine.Get("heater-01", "probe_timeout")
	assert.True(t, record.Active, "snooze must not deactivate the alarm")
	require.NotNil(t, record.SnoozedUntil)

	// 贪睡压制蜂鸣
	machine.Tick(ctx)
	assert.Equal(t, 0, notifier.chirpCount())
}

func TestMachine_SnoozeDoesNotBreakOnReassert(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Snooze(ctx, "heater-01", "probe_timeout"))
	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))

	record, _ := machine.Get("heater-01", "probe_timeout")
	assert.NotNil(t, record.SnoozedUntil, "re-assert while snoozed must not cancel the snooze")
}

func TestMachine_SnoozeExpiryReactivates(t *testing.T) {
	machine, _, notifier, clock := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Snooze(ctx, "heater-01", "probe_timeout"))

	// 未到期：仍被压制
	*clock = clock.Add(14 * time.Minute)
	machine.Tick(ctx)
	assert.Equal(t, 0, notifier.chirpCount())

	// 15 分钟到期：条件仍在，回到 Active 并恢复蜂鸣
	*clock = clock.Add(2 * time.Minute)
	machine.Tick(ctx)
	record, _ := machine.Get("heater-01", "probe_timeout")
	assert.Nil(t, record.SnoozedUntil)
	assert.True(t, record.Active)
	assert.Equal(t, 1, notifier.chirpCount())
}

func TestMachine_ClearDuringSnooze(t *testing.T) {
	machine, _, notifier, clock := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Snooze(ctx, "heater-01", "probe_timeout"))
	require.NoError(t, machine.Clear(ctx, "heater-01", "probe_timeout"))

	// 贪睡期间条件消失：到期后不再提醒
	*clock = clock.Add(20 * time.Minute)
	machine.Tick(ctx)
	assert.Equal(t, 0, notifier.chirpCount())

	record, _ := machine.Get("heater-01", "probe_timeout")
	assert.False(t, record.Active)
	assert.Nil(t, record.SnoozedUntil)
}

func TestMachine_Unsnooze(t *testing.T) {
	machine, _, notifier, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Snooze(ctx, "heater-01", "probe_timeout"))
	require.NoError(t, machine.Unsnooze(ctx, "heater-01", "probe_timeout"))

	machine.Tick(ctx)
	assert.Equal(t, 1, notifier.chirpCount())
}

func TestMachine_SnoozeWithoutActiveAlarm(t *testing.T) {
	machine, _, _, _ := newTestMachine(t)

	err := machine.Snooze(context.Background(), "heater-01", "probe_timeout")
	assert.Error(t, err)
}

func TestMachine_ReminderChirpsForActiveAlarms(t *testing.T) {
	machine, _, notifier, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))
	require.NoError(t, machine.Assert(ctx, "roller-02", "media_exhausted", SeverityWarning, nil))

	machine.Tick(ctx)
	machine.Tick(ctx)
	assert.Equal(t, 4, notifier.chirpCount())
}

func TestMachine_RestoreFromStore(t *testing.T) {
	machine, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, machine.Assert(ctx, "heater-01", "probe_timeout", SeverityCritical, nil))

	// 重启：新状态机从持久层恢复活动报警
	cfg := &config.Config{}
	cfg.Alarm.SnoozeDuration = 15 * time.Minute
	restarted := NewMachine(cfg, store, &fakeNotifier{}, zap.NewNop())
	require.NoError(t, restarted.Restore(ctx))

	record, ok := restarted.Get("heater-01", "probe_timeout")
	require.True(t, ok)
	assert.True(t, record.Active)
}
