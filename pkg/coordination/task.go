package coordination

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
)

// Task identifies one member of the coordinated cluster.
type Task struct {
	JobName string
	TaskID  int
}

// Name returns the canonical task name, e.g. "/job:worker/replica:0/task:3".
func (t Task) Name() string {
	return fmt.Sprintf("/job:%s/replica:0/task:%d", t.JobName, t.TaskID)
}

// TaskFromName parses a canonical task name back into a Task.
func TaskFromName(name string) Task {
	var t Task
	for _, part := range strings.Split(strings.TrimPrefix(name, "/"), "/") {
		if job, ok := strings.CutPrefix(part, "job:"); ok {
			t.JobName = job
		} else if id, ok := strings.CutPrefix(part, "task:"); ok {
			if n, err := strconv.Atoi(id); err == nil {
				t.TaskID = n
			}
		}
	}
	return t
}

// State is the lifecycle state of a task as seen by the service.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// StateInfo is a point-in-time snapshot of one task's lifecycle state.
type StateInfo struct {
	Task  Task
	State State
	Error error
}

// taskState is the service-side record for a single configured task.
//
// State transitions:
//
//	               Register            heartbeat timeout
//	DISCONNECTED ----------> CONNECTED -----------------> ERROR
//	                              |      ReportTaskError
//	                              +----------------------> ERROR
//
// When a task enters ERROR its status is propagated to the other
// connected tasks in the cluster.
type taskState struct {
	state       State
	status      error // non-nil iff state == StateError
	incarnation uint64

	// hbMu guards only the heartbeat timestamp so the staleness monitor can
	// snapshot it without contending with read-only state checks.
	hbMu                sync.Mutex
	lastHeartbeatMicros int64

	// Deadline after which heartbeats and error polls from a disconnected
	// task are no longer tolerated. The grace period covers the lag between
	// the service recording the disconnect and the agent noticing it.
	disconnectGraceMicros int64

	devices          DeviceInfo
	devicesCollected bool

	ongoingBarriers map[string]struct{}
}

func newTaskState() *taskState {
	return &taskState{ongoingBarriers: make(map[string]struct{})}
}

func (t *taskState) setConnected(incarnation uint64, nowMicros int64) {
	t.state = StateConnected
	t.status = nil
	t.incarnation = incarnation
	t.hbMu.Lock()
	t.lastHeartbeatMicros = nowMicros
	t.hbMu.Unlock()
}

func (t *taskState) disconnect(nowMicros, graceMicros int64) {
	t.disconnectGraceMicros = nowMicros + graceMicros
	t.state = StateDisconnected
	t.status = nil
}

func (t *taskState) setError(err error) {
	if t.state == StateError {
		return
	}
	t.state = StateError
	t.status = err
}

func (t *taskState) recordHeartbeat(incarnation uint64, nowMicros int64) error {
	if t.status != nil {
		return t.status
	}
	if incarnation != t.incarnation {
		return Errorf(codes.Aborted,
			"incarnation mismatch: expected %d but got %d, the remote task has restarted",
			t.incarnation, incarnation)
	}
	t.hbMu.Lock()
	t.lastHeartbeatMicros = nowMicros
	t.hbMu.Unlock()
	return nil
}

func (t *taskState) millisSinceLastHeartbeat(nowMicros int64) int64 {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	return (nowMicros - t.lastHeartbeatMicros) / 1000
}

func (t *taskState) disconnectedBeyondGrace(nowMicros int64) bool {
	return t.state == StateDisconnected && nowMicros > t.disconnectGraceMicros
}

func (t *taskState) collectDevices(devices DeviceInfo) {
	t.devices = devices
	t.devicesCollected = true
}

func (t *taskState) joinBarrier(barrierID string) {
	t.ongoingBarriers[barrierID] = struct{}{}
}

func (t *taskState) exitBarrier(barrierID string) {
	delete(t.ongoingBarriers, barrierID)
}

func (t *taskState) barrierIDs() []string {
	ids := make([]string, 0, len(t.ongoingBarriers))
	for id := range t.ongoingBarriers {
		ids = append(ids, id)
	}
	return ids
}
