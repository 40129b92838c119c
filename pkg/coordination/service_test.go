package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"gocoord/config"
)

var (
	taskA = Task{JobName: "worker", TaskID: 0}
	taskB = Task{JobName: "worker", TaskID: 1}
)

// fakeClock drives staleness deterministically in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// report is one error notification captured by the fake client cache.
type report struct {
	task string
	req  *ReportErrorRequest
}

// fakeCache records every pushed error notification.
type fakeCache struct {
	mu      sync.Mutex
	reports []report
	notify  chan report
}

func newFakeCache() *fakeCache {
	return &fakeCache{notify: make(chan report, 16)}
}

type fakeClient struct {
	name  string
	cache *fakeCache
}

func (c *fakeClient) ReportErrorToTask(_ context.Context, req *ReportErrorRequest) error {
	c.cache.mu.Lock()
	c.cache.reports = append(c.cache.reports, report{task: c.name, req: req})
	c.cache.mu.Unlock()
	select {
	case c.cache.notify <- report{task: c.name, req: req}:
	default:
	}
	return nil
}

func (c *fakeCache) GetClient(taskName string) Client {
	return &fakeClient{name: taskName, cache: c}
}

func (c *fakeCache) reportsFor(taskName string) []*ReportErrorRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ReportErrorRequest
	for _, r := range c.reports {
		if r.task == taskName {
			out = append(out, r.req)
		}
	}
	return out
}

// statusRecorder captures StatusCallback invocations.
type statusRecorder struct {
	mu    sync.Mutex
	calls []error
}

func (r *statusRecorder) cb() StatusCallback {
	return func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, err)
	}
}

func (r *statusRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *statusRecorder) last() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func testConfig() config.CoordinationConfig {
	return config.CoordinationConfig{
		HeartbeatTimeoutMs: 1000,
		Jobs:               []config.JobConfig{{Name: "worker", NumTasks: 2}},
	}
}

func newTestService(t *testing.T, cfg config.CoordinationConfig, cache ClientCache) (*standalone, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc, err := NewService("standalone", cfg, cache, WithClock(clock), withoutMonitor())
	require.NoError(t, err)
	s := svc.(*standalone)
	t.Cleanup(s.Stop)
	return s, clock
}

func taskStateOf(t *testing.T, s *standalone, task Task) StateInfo {
	t.Helper()
	infos := s.GetTaskState([]Task{task})
	require.Len(t, infos, 1)
	return infos[0]
}

func lastHeartbeatMicros(s *standalone, task Task) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clusterState[task.Name()]
	ts.hbMu.Lock()
	defer ts.hbMu.Unlock()
	return ts.lastHeartbeatMicros
}

func TestTaskNameRoundTrip(t *testing.T) {
	task := Task{JobName: "worker", TaskID: 7}
	assert.Equal(t, "/job:worker/replica:0/task:7", task.Name())
	assert.Equal(t, task, TaskFromName(task.Name()))
}

func TestRegisterTask(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	info := taskStateOf(t, s, taskA)
	assert.Equal(t, StateConnected, info.State)
	assert.NoError(t, info.Error)
}

func TestRegisterUnknownTask(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	err := s.RegisterTask(Task{JobName: "nosuchjob", TaskID: 0}, 1)
	assert.Equal(t, codes.InvalidArgument, Code(err))

	// Unknown task registration must not disturb cluster state.
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskA).State)
}

func TestRegisterIdempotentSameIncarnation(t *testing.T) {
	s, clock := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	first := lastHeartbeatMicros(s, taskA)

	clock.Advance(100 * time.Millisecond)
	require.NoError(t, s.RegisterTask(taskA, 1))
	second := lastHeartbeatMicros(s, taskA)

	assert.Equal(t, StateConnected, taskStateOf(t, s, taskA).State)
	assert.Greater(t, second, first, "retried registration refreshes the heartbeat timestamp")
}

func TestRegisterDifferentIncarnation(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	err := s.RegisterTask(taskA, 2)
	assert.Equal(t, codes.Aborted, Code(err))
	assert.Equal(t, StateError, taskStateOf(t, s, taskA).State)
}

func TestRegisterAfterHeartbeatTimeoutWithReconnectAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.AllowNewIncarnationToReconnect = true
	cache := newFakeCache()
	s, clock := newTestService(t, cfg, cache)

	require.NoError(t, s.RegisterTask(taskA, 1))
	clock.Advance(2 * time.Second)
	s.checkHeartbeatTimeout()
	require.Equal(t, StateError, taskStateOf(t, s, taskA).State)
	assert.Equal(t, codes.Unavailable, Code(taskStateOf(t, s, taskA).Error))

	// A restarted task may reconnect with a fresh incarnation.
	require.NoError(t, s.RegisterTask(taskA, 2))
	assert.Equal(t, StateConnected, taskStateOf(t, s, taskA).State)
}

func TestRecordHeartbeat(t *testing.T) {
	s, clock := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	first := lastHeartbeatMicros(s, taskA)
	clock.Advance(200 * time.Millisecond)
	require.NoError(t, s.RecordHeartbeat(taskA, 1))
	assert.Greater(t, lastHeartbeatMicros(s, taskA), first)
}

func TestRecordHeartbeatUnknownTask(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	err := s.RecordHeartbeat(Task{JobName: "ghost", TaskID: 0}, 1)
	assert.Equal(t, codes.InvalidArgument, Code(err))
}

func TestRecordHeartbeatIncarnationMismatch(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	err := s.RecordHeartbeat(taskA, 2)
	assert.Equal(t, codes.Aborted, Code(err))

	info := taskStateOf(t, s, taskA)
	assert.Equal(t, StateError, info.State)
	assert.Equal(t, codes.Aborted, Code(info.Error))
}

func TestRecordHeartbeatAfterErrorReturnsStoredError(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.Error(t, s.RecordHeartbeat(taskA, 2))

	// Subsequent heartbeats return the stored error without overwriting it.
	err := s.RecordHeartbeat(taskA, 1)
	assert.Equal(t, codes.Aborted, Code(err))
}

func TestRecordHeartbeatPastDisconnectGrace(t *testing.T) {
	s, clock := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.ResetTask(taskA))

	// Within the grace period late heartbeats are still accepted.
	require.NoError(t, s.RecordHeartbeat(taskA, 1))

	clock.Advance(2 * time.Second)
	err := s.RecordHeartbeat(taskA, 1)
	assert.Equal(t, codes.InvalidArgument, Code(err))
	// The task can still re-register afterwards.
	require.NoError(t, s.RegisterTask(taskA, 2))
}

func TestHeartbeatTimeoutPropagatesToPeers(t *testing.T) {
	cache := newFakeCache()
	s, clock := newTestService(t, testConfig(), cache)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	// A stops heartbeating while B stays healthy.
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, s.RecordHeartbeat(taskB, 2))
	clock.Advance(600 * time.Millisecond)
	s.checkHeartbeatTimeout()

	info := taskStateOf(t, s, taskA)
	require.Equal(t, StateError, info.State)
	assert.Equal(t, codes.Unavailable, Code(info.Error))

	reports := cache.reportsFor(taskB.Name())
	require.Len(t, reports, 1)
	assert.Equal(t, codes.Unavailable, reports[0].Code)
	assert.Equal(t, taskA, reports[0].Payload.SourceTask)
	assert.False(t, reports[0].Payload.IsReportedError)

	// The failed task itself receives nothing.
	assert.Empty(t, cache.reportsFor(taskA.Name()))
}

func TestHeartbeatTimeoutStopsServiceWithoutPollers(t *testing.T) {
	s, clock := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	clock.Advance(2 * time.Second)
	s.checkHeartbeatTimeout()

	// No push channel, no poller: the service terminates itself.
	err := s.RegisterTask(taskB, 1)
	assert.Equal(t, codes.Internal, Code(err))
}

func TestReportTaskError(t *testing.T) {
	cache := newFakeCache()
	s, _ := newTestService(t, testConfig(), cache)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	require.NoError(t, s.ReportTaskError(taskA, Errorf(codes.Internal, "user failure")))

	info := taskStateOf(t, s, taskA)
	assert.Equal(t, StateError, info.State)

	reports := cache.reportsFor(taskB.Name())
	require.Len(t, reports, 1)
	assert.Equal(t, taskA, reports[0].Payload.SourceTask)
	assert.True(t, reports[0].Payload.IsReportedError)
}

func TestReportTaskErrorRequiresConnected(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	err := s.ReportTaskError(taskA, Errorf(codes.Internal, "boom"))
	assert.Equal(t, codes.FailedPrecondition, Code(err))
}

func TestResetTask(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.ResetTask(taskA))
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskA).State)

	err := s.ResetTask(taskA)
	assert.Equal(t, codes.FailedPrecondition, Code(err))
}

func TestResetTaskFailsOngoingBarriers(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	var rec statusRecorder
	s.BarrierAsync("b", time.Minute, taskA, nil, rec.cb())
	require.NoError(t, s.ResetTask(taskA))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, codes.Internal, Code(rec.last()))
}

func TestGetTaskStateUnknownTask(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	infos := s.GetTaskState([]Task{taskA, {JobName: "ghost", TaskID: 9}})
	require.Len(t, infos, 2)
	assert.NoError(t, infos[0].Error)
	assert.Equal(t, codes.InvalidArgument, Code(infos[1].Error))
}

func TestWaitForAllTasksAggregatesDevices(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	devA := DeviceInfo{Devices: []Device{{Name: "gpu:0", Type: "GPU"}}}
	devB := DeviceInfo{Devices: []Device{{Name: "gpu:1", Type: "GPU"}}}

	var recA, recB statusRecorder
	// Arrival order is reversed on purpose; aggregation order must depend
	// only on task identity.
	s.WaitForAllTasks(taskB, devB, recB.cb())
	s.WaitForAllTasks(taskA, devA, recA.cb())

	require.Equal(t, 1, recA.count())
	require.Equal(t, 1, recB.count())
	assert.NoError(t, recA.last())
	assert.NoError(t, recB.last())

	devices := s.ListClusterDevices()
	require.Len(t, devices.Devices, 2)
	assert.Equal(t, "gpu:0", devices.Devices[0].Name)
	assert.Equal(t, "gpu:1", devices.Devices[1].Name)
}

func TestDeviceAggregationHook(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	s.SetDeviceAggregationFunction(func(d DeviceInfo) DeviceInfo {
		return DeviceInfo{Devices: []Device{{Name: "merged", Type: "VIRTUAL"}}}
	})

	var recA, recB statusRecorder
	s.WaitForAllTasks(taskA, DeviceInfo{Devices: []Device{{Name: "gpu:0"}}}, recA.cb())
	s.WaitForAllTasks(taskB, DeviceInfo{Devices: []Device{{Name: "gpu:1"}}}, recB.cb())

	devices := s.ListClusterDevices()
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "merged", devices.Devices[0].Name)
}

func TestShutdownTaskWithoutBarrierDisconnects(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))

	var rec statusRecorder
	s.ShutdownTaskAsync(taskA, rec.cb())
	require.Equal(t, 1, rec.count())
	assert.NoError(t, rec.last())
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskA).State)
}

func TestShutdownBarrierAllTasks(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownBarrierTimeoutMs = 500
	s, _ := newTestService(t, cfg, nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	var recA, recB statusRecorder
	s.ShutdownTaskAsync(taskA, recA.cb())
	require.Equal(t, 0, recA.count())
	s.ShutdownTaskAsync(taskB, recB.cb())

	require.Equal(t, 1, recA.count())
	require.Equal(t, 1, recB.count())
	assert.NoError(t, recA.last())
	assert.NoError(t, recB.last())

	// Both tasks disconnect together when the barrier passes.
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskA).State)
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskB).State)
}

func TestShutdownBarrierTimeoutNotifiesStragglers(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownBarrierTimeoutMs = 500
	cache := newFakeCache()
	s, clock := newTestService(t, cfg, cache)

	require.NoError(t, s.RegisterTask(taskA, 1))
	require.NoError(t, s.RegisterTask(taskB, 2))

	var rec statusRecorder
	s.ShutdownTaskAsync(taskA, rec.cb())

	clock.Advance(time.Second)
	s.checkBarrierTimeout()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, codes.DeadlineExceeded, Code(rec.last()))

	// The arrived task is disconnected; the straggler is pushed a
	// service-originated shutdown error.
	assert.Equal(t, StateDisconnected, taskStateOf(t, s, taskA).State)
	select {
	case r := <-cache.notify:
		assert.Equal(t, taskB.Name(), r.task)
		assert.Equal(t, codes.Internal, r.req.Code)
		assert.Equal(t, "coordination_service", r.req.Payload.SourceTask.JobName)
		assert.False(t, r.req.Payload.IsReportedError)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for straggler notification")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)
	s.Stop()
	s.Stop()

	err := s.RegisterTask(taskA, 1)
	assert.Equal(t, codes.Internal, Code(err))
}

func TestStopFailsOngoingBarriers(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.RegisterTask(taskA, 1))
	var rec statusRecorder
	s.BarrierAsync("b", time.Minute, taskA, nil, rec.cb())

	s.Stop()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, codes.Aborted, Code(rec.last()))
}

func TestStopCancelsKeyValueWaiters(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	var rec statusRecorder
	s.GetKeyValueAsync("pending/key", func(_ string, err error) { rec.cb()(err) })

	s.Stop()
	require.Equal(t, 1, rec.count())
	assert.Equal(t, codes.Canceled, Code(rec.last()))
}

func TestKeyValueRoundTrip(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.InsertKeyValue("x//y", "v", false))

	got, err := s.TryGetKeyValue("x/y")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	err = s.InsertKeyValue("x/y", "w", false)
	assert.Equal(t, codes.AlreadyExists, Code(err))

	require.NoError(t, s.DeleteKeyValue("x/y"))
	_, err = s.TryGetKeyValue("x/y")
	assert.Equal(t, codes.NotFound, Code(err))
}

func TestGetKeyValueAsyncPendingWaiter(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	var got string
	s.GetKeyValueAsync("x/y", func(v string, err error) {
		require.NoError(t, err)
		got = v
	})
	assert.Empty(t, got)

	require.NoError(t, s.InsertKeyValue("x//y", "v", false))
	assert.Equal(t, "v", got)

	v, err := s.TryGetKeyValue("x/y")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestGetKeyValueDirOrdered(t *testing.T) {
	s, _ := newTestService(t, testConfig(), nil)

	require.NoError(t, s.InsertKeyValue("dir/b", "2", false))
	require.NoError(t, s.InsertKeyValue("dir/a", "1", false))
	require.NoError(t, s.InsertKeyValue("dir2/x", "3", false))

	entries := s.GetKeyValueDir("dir")
	require.Len(t, entries, 2)
	assert.Equal(t, "dir/a", entries[0].Key)
	assert.Equal(t, "dir/b", entries[1].Key)
}
