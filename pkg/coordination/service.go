// Package coordination implements the cluster coordination service for a
// fixed-membership distributed job: per-task lifecycle tracking, named
// barriers, heartbeat liveness monitoring, error propagation, a shared
// configuration key-value store and one-shot device aggregation.
package coordination

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"gocoord/config"
	"gocoord/pkg/metrics"
	"gocoord/storage"
)

const (
	// Timeout of the distinguished device propagation barrier.
	devicePropagationTimeout = time.Hour
	// Deadline for each service-to-client error notification.
	serviceToClientTimeout = 10 * time.Second
	// Above this many concurrent barriers a warning is logged.
	ongoingBarriersSoftLimit = 20
	// At most this many unarrived task names appear in a barrier
	// timeout message.
	pendingTaskLogLimit = 20
	// At most this many stragglers appear in connection progress logs.
	pendingStragglerLogLimit = 3
)

// StatusCallback delivers the final status of an asynchronous operation.
type StatusCallback func(err error)

// ValueCallback delivers the result of a key-value lookup.
type ValueCallback func(value string, err error)

// Clock supplies time to the service; injected so tests control staleness.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Service is the coordination service contract. A single instance serves
// one fixed cluster for its whole lifetime.
type Service interface {
	RegisterTask(task Task, incarnation uint64) error
	WaitForAllTasks(task Task, devices DeviceInfo, done StatusCallback)
	ShutdownTaskAsync(task Task, done StatusCallback)
	ResetTask(task Task) error
	RecordHeartbeat(task Task, incarnation uint64) error
	ReportTaskError(task Task, taskErr error) error
	GetTaskState(tasks []Task) []StateInfo

	InsertKeyValue(key, value string, allowOverwrite bool) error
	GetKeyValueAsync(key string, done ValueCallback)
	TryGetKeyValue(key string) (string, error)
	GetKeyValueDir(directory string) []storage.Entry
	DeleteKeyValue(key string) error

	BarrierAsync(barrierID string, timeout time.Duration, task Task, participants []Task, done StatusCallback)
	CancelBarrier(barrierID string, task Task) error

	PollForErrorAsync(task Task, done StatusCallback)

	SetDeviceAggregationFunction(fn func(DeviceInfo) DeviceInfo)
	ListClusterDevices() DeviceInfo
	ServiceIncarnation() uint64

	Stop()
}

// Option configures optional service dependencies.
type Option func(*options)

type options struct {
	clock     Clock
	collector *metrics.Collector
	noMonitor bool
}

// WithClock overrides the service clock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.collector = m }
}

// withoutMonitor disables the background staleness worker so tests can
// drive the heartbeat and barrier scans deterministically.
func withoutMonitor() Option {
	return func(o *options) { o.noMonitor = true }
}

// Factory builds a Service implementation. The cache selects push-mode
// error delivery when non-nil, poll mode otherwise.
type Factory func(cfg config.CoordinationConfig, cache ClientCache, opts ...Option) (Service, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// RegisterServiceFactory registers a named Service implementation.
func RegisterServiceFactory(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewService builds the named implementation, e.g. "standalone".
func NewService(name string, cfg config.CoordinationConfig, cache ClientCache, opts ...Option) (Service, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown coordination service implementation: %s", name)
	}
	return f(cfg, cache, opts...)
}

func init() {
	RegisterServiceFactory("standalone", newStandaloneService)
}

// standalone is the single-process coordination service.
type standalone struct {
	cache   ClientCache // nil selects poll-mode error delivery
	clock   Clock
	metrics *metrics.Collector

	incarnation            uint64
	heartbeatTimeout       time.Duration
	shutdownBarrierTimeout time.Duration
	allowNewIncarnation    bool
	recoverableJobs        map[string]struct{}

	deviceBarrierID   string
	shutdownBarrierID string

	kv storage.ConfigStore // owns its own lock; never held with mu

	mu              sync.Mutex
	stopped         bool
	clusterState    map[string]*taskState
	clusterDevices  DeviceInfo
	postAggregate   func(DeviceInfo) DeviceInfo
	barriers        map[string]*barrier
	ongoingBarriers map[string]struct{}
	polling         errorPollingState
	clientPolling   bool

	stopMonitor chan struct{}
	monitorDone chan struct{}
}

func newStandaloneService(cfg config.CoordinationConfig, cache ClientCache, opts ...Option) (Service, error) {
	o := options{clock: systemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.collector == nil {
		o.collector = metrics.NewCollector(nil)
	}

	s := &standalone{
		cache:                  cache,
		clock:                  o.clock,
		metrics:                o.collector,
		incarnation:            newServiceIncarnation(),
		heartbeatTimeout:       cfg.HeartbeatTimeout(),
		shutdownBarrierTimeout: cfg.ShutdownBarrierTimeout(),
		allowNewIncarnation:    cfg.AllowNewIncarnationToReconnect,
		recoverableJobs:        make(map[string]struct{}, len(cfg.RecoverableJobs)),
		kv:                     storage.NewMemoryStore(),
		clusterState:           make(map[string]*taskState),
		barriers:               make(map[string]*barrier),
		ongoingBarriers:        make(map[string]struct{}),
		stopMonitor:            make(chan struct{}),
		monitorDone:            make(chan struct{}),
	}
	s.deviceBarrierID = fmt.Sprintf("WaitForAllTasks::%d", s.incarnation)
	s.shutdownBarrierID = fmt.Sprintf("Shutdown::%d", s.incarnation)
	for _, job := range cfg.RecoverableJobs {
		s.recoverableJobs[job] = struct{}{}
	}
	for _, job := range cfg.Jobs {
		for i := 0; i < job.NumTasks; i++ {
			s.clusterState[Task{JobName: job.Name, TaskID: i}.Name()] = newTaskState()
		}
	}
	slog.Info("initializing coordination service",
		"tasks", len(s.clusterState), "incarnation", s.incarnation)
	if o.noMonitor {
		close(s.monitorDone)
	} else {
		go s.monitorLoop()
	}
	return s, nil
}

// newServiceIncarnation derives a random 64-bit service incarnation so
// distinguished barrier ids do not collide across restarts.
func newServiceIncarnation() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func (s *standalone) nowMicros() int64 {
	return s.clock.Now().UnixMicro()
}

func (s *standalone) ServiceIncarnation() uint64 { return s.incarnation }

// deferred accumulates callbacks under s.mu to be run once it is
// released. User callbacks must never run under the cluster lock.
type deferred struct {
	fns []func()
}

func (d *deferred) add(fn func()) { d.fns = append(d.fns, fn) }

func (d *deferred) run() {
	for _, fn := range d.fns {
		fn()
	}
}

func (s *standalone) isRecoverableJob(jobName string) bool {
	_, ok := s.recoverableJobs[jobName]
	return ok
}

func (s *standalone) refreshConnectedGaugeLocked() {
	n := 0
	for _, ts := range s.clusterState {
		if ts.state == StateConnected {
			n++
		}
	}
	s.metrics.SetConnectedTasks(n)
}

// logConnectStatusLocked reports progress towards all tasks connecting.
func (s *standalone) logConnectStatusLocked() {
	pending := 0
	var stragglers []string
	for name, ts := range s.clusterState {
		if ts.state != StateConnected {
			pending++
			if len(stragglers) < pendingStragglerLogLimit {
				stragglers = append(stragglers, name)
			}
		}
	}
	slog.Info("waiting for tasks to connect", "pending", pending, "total", len(s.clusterState))
	if len(stragglers) > 0 {
		slog.Info("example stragglers", "tasks", stragglers)
	}
}

// isReconnectableError reports whether a task error permits silent
// re-registration with a new incarnation.
func isReconnectableError(err error) bool {
	ce, ok := err.(*Error)
	return ok && ce.Code == codes.Unavailable
}

func (s *standalone) RegisterTask(task Task, incarnation uint64) error {
	name := task.Name()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Errorf(codes.Internal,
			"coordination service has stopped, RegisterTask from %s failed", name)
	}
	ts := s.clusterState[name]
	if ts == nil {
		// Unknown tasks must not be propagated to the rest of the cluster.
		s.mu.Unlock()
		return Errorf(codes.InvalidArgument, "unexpected task registered with name %s", name)
	}

	now := s.nowMicros()
	switch {
	case ts.state == StateDisconnected,
		s.allowNewIncarnation && isReconnectableError(ts.status):
		// First registration, a re-register after ResetTask, or a restart
		// of a task that previously lost its connection.
		ts.setConnected(incarnation, now)
		s.refreshConnectedGaugeLocked()
		slog.Info("task connected to coordination service", "task", name, "incarnation", incarnation)
		s.logConnectStatusLocked()
		s.mu.Unlock()
		return nil
	case ts.state == StateConnected && ts.incarnation == incarnation:
		// The agent retried a registration whose response was lost. Refresh
		// the heartbeat timestamp to extend its grace period.
		ts.setConnected(incarnation, now)
		slog.Info("task re-connected with the same incarnation", "task", name, "incarnation", incarnation)
		s.logConnectStatusLocked()
		s.mu.Unlock()
		return nil
	}

	var regErr *Error
	if ts.state == StateConnected {
		regErr = TaskErrorf(task, codes.Aborted,
			"%s tried to connect with a different incarnation, it has likely restarted", name)
	} else {
		regErr = TaskErrorf(task, codes.Aborted,
			"%s tried to connect while it is already in error, ResetTask must be called before reconnecting", name)
	}
	var d deferred
	s.setTaskErrorLocked(name, regErr, &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, false)
	return regErr
}

func (s *standalone) RecordHeartbeat(task Task, incarnation uint64) error {
	name := task.Name()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Errorf(codes.Internal,
			"coordination service has stopped, RecordHeartbeat from %s failed", name)
	}
	ts := s.clusterState[name]
	if ts == nil {
		s.mu.Unlock()
		return Errorf(codes.InvalidArgument,
			"unexpected heartbeat request from task %s, this usually implies a configuration error", name)
	}
	if ts.status != nil {
		// Keep returning the existing error, never overwrite it.
		err := ts.status
		s.mu.Unlock()
		return err
	}
	if ts.disconnectedBeyondGrace(s.nowMicros()) {
		s.mu.Unlock()
		return Errorf(codes.InvalidArgument,
			"task %s must be registered before sending heartbeat messages", name)
	}
	err := ts.recordHeartbeat(incarnation, s.nowMicros())
	if err == nil {
		s.metrics.RecordHeartbeat()
		s.mu.Unlock()
		return nil
	}
	var d deferred
	s.setTaskErrorLocked(name, err, &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, false)
	return err
}

func (s *standalone) ReportTaskError(task Task, taskErr error) error {
	name := task.Name()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Errorf(codes.Internal, "coordination service has stopped, ReportTaskError failed")
	}
	ts := s.clusterState[name]
	if ts == nil {
		s.mu.Unlock()
		return Errorf(codes.InvalidArgument, "unexpected request from task %s", name)
	}
	if ts.state != StateConnected {
		s.mu.Unlock()
		return Errorf(codes.FailedPrecondition, "task %s is not connected or already has an error", name)
	}
	var d deferred
	s.setTaskErrorLocked(name, WrapTaskError(task, taskErr), &d)
	s.mu.Unlock()
	d.run()
	s.propagateError(task, true)
	return nil
}

func (s *standalone) GetTaskState(tasks []Task) []StateInfo {
	infos := make([]StateInfo, 0, len(tasks))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		ts := s.clusterState[task.Name()]
		if ts == nil {
			infos = append(infos, StateInfo{
				Task:  task,
				State: StateDisconnected,
				Error: Errorf(codes.InvalidArgument, "unknown task %s", task.Name()),
			})
			continue
		}
		info := StateInfo{Task: task, State: ts.state}
		if ts.status != nil {
			info.Error = WrapTaskError(task, ts.status)
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *standalone) WaitForAllTasks(task Task, devices DeviceInfo, done StatusCallback) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		done(Errorf(codes.Internal, "coordination service has stopped, WaitForAllTasks failed"))
		return
	}
	// Collect device info the first time the task calls WaitForAllTasks;
	// it is aggregated when the barrier passes.
	if ts := s.clusterState[task.Name()]; ts != nil && !ts.devicesCollected {
		ts.collectDevices(devices)
	}
	s.mu.Unlock()
	s.BarrierAsync(s.deviceBarrierID, devicePropagationTimeout, task, nil, done)
}

func (s *standalone) ShutdownTaskAsync(task Task, done StatusCallback) {
	if s.shutdownBarrierTimeout > 0 {
		// Impose the shutdown barrier so all tasks disconnect together.
		s.BarrierAsync(s.shutdownBarrierID, s.shutdownBarrierTimeout, task, nil, done)
		return
	}
	var d deferred
	s.mu.Lock()
	var err error
	if s.stopped {
		err = Errorf(codes.Internal, "coordination service has stopped, ShutdownTaskAsync failed")
	} else {
		err = s.disconnectTaskLocked(task, &d)
	}
	s.mu.Unlock()
	d.run()
	done(err)
}

func (s *standalone) ResetTask(task Task) error {
	var d deferred
	s.mu.Lock()
	err := s.disconnectTaskLocked(task, &d)
	s.mu.Unlock()
	d.run()
	return err
}

// disconnectTaskLocked transitions the task to DISCONNECTED and fails
// every barrier it is pending in.
func (s *standalone) disconnectTaskLocked(task Task, d *deferred) error {
	name := task.Name()
	if s.stopped {
		return Errorf(codes.Internal,
			"coordination service has stopped, DisconnectTask failed for %s", name)
	}
	ts := s.clusterState[name]
	if ts == nil {
		return Errorf(codes.InvalidArgument, "unexpected disconnect request for %s", name)
	}
	if ts.state == StateDisconnected {
		return Errorf(codes.FailedPrecondition, "task %s is already disconnected", name)
	}

	ts.disconnect(s.nowMicros(), s.heartbeatTimeout.Microseconds())
	for _, id := range ts.barrierIDs() {
		err := Errorf(codes.Internal,
			"barrier failed because a task has disconnected, barrier: %s, task: %s", id, name)
		s.passBarrierLocked(id, err, s.barriers[id], d)
	}
	s.refreshConnectedGaugeLocked()
	slog.Info("task disconnected from coordination service", "task", name)
	return nil
}

// setTaskErrorLocked marks the task as failed and fails every barrier the
// task is pending in. The caller is responsible for propagation.
func (s *standalone) setTaskErrorLocked(name string, err error, d *deferred) {
	ts := s.clusterState[name]
	if ts.state != StateError {
		s.metrics.RecordTaskError()
	}
	ts.setError(err)
	s.refreshConnectedGaugeLocked()
	for _, id := range ts.barrierIDs() {
		barrierErr := Errorf(codes.Internal,
			"barrier failed because a task is in error, barrier: %s, task: %s, error: %v",
			id, name, err)
		s.passBarrierLocked(id, barrierErr, s.barriers[id], d)
	}
	slog.Error("task has been set to ERROR in coordination service", "task", name, "error", err)
}

func (s *standalone) SetDeviceAggregationFunction(fn func(DeviceInfo) DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postAggregate = fn
}

func (s *standalone) ListClusterDevices() DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterDevices
}

func (s *standalone) InsertKeyValue(key, value string, allowOverwrite bool) error {
	return wrapStoreError(s.kv.Insert(key, value, allowOverwrite))
}

func (s *standalone) GetKeyValueAsync(key string, done ValueCallback) {
	s.kv.GetAsync(key, func(value string, err error) {
		if err != nil {
			done("", wrapStoreError(err))
			return
		}
		done(value, nil)
	})
}

func (s *standalone) TryGetKeyValue(key string) (string, error) {
	value, err := s.kv.TryGet(key)
	if err != nil {
		return "", wrapStoreError(err)
	}
	return value, nil
}

func (s *standalone) GetKeyValueDir(directory string) []storage.Entry {
	return s.kv.Dir(directory)
}

func (s *standalone) DeleteKeyValue(key string) error {
	return wrapStoreError(s.kv.Delete(key))
}

// wrapStoreError lifts a store error into a coordination error.
func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	return Errorf(Code(err), "%s", Message(err))
}

// Stop shuts the service down and joins the staleness monitor.
func (s *standalone) Stop() {
	s.stop(true)
}

// stop tears the service down. The staleness monitor stops the service
// with joinMonitor false so it does not join itself.
func (s *standalone) stop(joinMonitor bool) {
	// Cancel pending KV waiters first; the store never calls back into the
	// service, so this is safe outside the cluster lock.
	_ = s.kv.Close()

	var d deferred
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if joinMonitor {
			<-s.monitorDone
		}
		return
	}
	s.stopped = true
	close(s.stopMonitor)
	// Fail every ongoing barrier. Cluster state is cleared only afterwards
	// since passBarrierLocked still reads it.
	for id, b := range s.barriers {
		if !b.passed {
			s.passBarrierLocked(id, Errorf(codes.Aborted,
				"barrier failed because service is shutting down, barrier: %s", id), b, &d)
		}
	}
	s.barriers = make(map[string]*barrier)
	s.clusterState = make(map[string]*taskState)
	s.refreshConnectedGaugeLocked()
	polling := s.clientPolling
	s.mu.Unlock()
	d.run()

	if polling {
		s.sendErrorPollingResponse(Errorf(codes.Canceled,
			"coordination service is shutting down, cancelling PollForErrorAsync"))
	}
	slog.Info("coordination service stopped")
	if joinMonitor {
		<-s.monitorDone
	}
}
