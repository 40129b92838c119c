package coordination

import (
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
)

// barrier tracks one named rendezvous across the cluster. Records are
// created lazily on first use and survive passing so late callers observe
// the final result.
type barrier struct {
	passed         bool
	result         error // meaningful iff passed
	deadlineMicros int64
	tasksAtBarrier map[Task]bool // task -> has arrived
	numPending     int
	doneCallbacks  []StatusCallback
	initiatingTask Task
}

func containsTask(tasks []Task, task Task) bool {
	for _, t := range tasks {
		if t == task {
			return true
		}
	}
	return false
}

// BarrierAsync blocks the caller at the named barrier until every
// participant has arrived, the deadline expires, the barrier is cancelled,
// or a participant fails. An empty participant list means the whole
// cluster. done fires exactly once, outside the cluster lock.
func (s *standalone) BarrierAsync(barrierID string, timeout time.Duration, task Task, participants []Task, done StatusCallback) {
	// A caller outside the participant list poisons the barrier for every
	// current and future waiter.
	if len(participants) > 0 && !containsTask(participants, task) {
		err := Errorf(codes.InvalidArgument,
			"non-participating task %s called barrier %s", task.Name(), barrierID)
		var d deferred
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			done(Errorf(codes.Internal, "barrier requested after coordination service has shut down"))
			return
		}
		b := s.barriers[barrierID]
		if b == nil {
			b = &barrier{initiatingTask: task}
			s.barriers[barrierID] = b
		}
		if !b.passed {
			s.passBarrierLocked(barrierID, err, b, &d)
		}
		s.mu.Unlock()
		d.run()
		done(err)
		return
	}

	var d deferred
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		done(Errorf(codes.Internal, "barrier requested after coordination service has shut down"))
		return
	}
	b := s.barriers[barrierID]
	if b == nil {
		b = &barrier{initiatingTask: task}
		s.barriers[barrierID] = b
		if err := s.initBarrierLocked(b, barrierID, task, participants, timeout); err != nil {
			s.passBarrierLocked(barrierID, err, b, &d)
			s.mu.Unlock()
			d.run()
			done(err)
			return
		}
	}

	// Already passed: return the stored result immediately.
	if b.passed {
		result := b.result
		if barrierID == s.shutdownBarrierID {
			// Late shutdown callers are disconnected individually.
			if err := s.disconnectTaskLocked(task, &d); err != nil {
				s.mu.Unlock()
				d.run()
				done(err)
				return
			}
		}
		s.mu.Unlock()
		d.run()
		done(result)
		return
	}

	b.doneCallbacks = append(b.doneCallbacks, done)

	// Participant sets must agree across calls to the same barrier.
	if !s.validateParticipantsLocked(participants, b) {
		s.passBarrierLocked(barrierID, Errorf(codes.InvalidArgument,
			"conflicting tasks specified for the same barrier: %s", barrierID), b, &d)
		s.mu.Unlock()
		d.run()
		return
	}

	// Re-arrival by the same task is a no-op.
	if !b.tasksAtBarrier[task] {
		b.tasksAtBarrier[task] = true
		b.numPending--
		if b.numPending == 0 {
			s.passBarrierLocked(barrierID, nil, b, &d)
		}
	}
	s.mu.Unlock()
	d.run()
}

// initBarrierLocked sets up a freshly created barrier. A non-nil return
// means the barrier must be failed immediately.
func (s *standalone) initBarrierLocked(b *barrier, barrierID string, task Task, participants []Task, timeout time.Duration) error {
	b.tasksAtBarrier = make(map[Task]bool)
	if len(participants) == 0 {
		for name := range s.clusterState {
			b.tasksAtBarrier[TaskFromName(name)] = false
		}
	} else {
		for _, p := range participants {
			if s.clusterState[p.Name()] == nil {
				return Errorf(codes.InvalidArgument,
					"unexpected task %s that is not in the cluster called barrier %s", p.Name(), barrierID)
			}
			b.tasksAtBarrier[p] = false
		}
	}
	if _, ok := b.tasksAtBarrier[task]; !ok {
		return Errorf(codes.InvalidArgument,
			"unexpected task %s that is not in the cluster called barrier %s", task.Name(), barrierID)
	}
	b.numPending = len(b.tasksAtBarrier)

	for t := range b.tasksAtBarrier {
		if s.clusterState[t.Name()].state == StateError {
			return Errorf(codes.Internal,
				"task %s is already in error before barrier %s was called", t.Name(), barrierID)
		}
	}

	b.deadlineMicros = s.nowMicros() + timeout.Microseconds()
	s.ongoingBarriers[barrierID] = struct{}{}
	s.metrics.SetOngoingBarriers(len(s.ongoingBarriers))
	if len(s.ongoingBarriers) > ongoingBarriersSoftLimit {
		slog.Warn("high number of ongoing barriers", "count", len(s.ongoingBarriers))
	}
	for t := range b.tasksAtBarrier {
		s.clusterState[t.Name()].joinBarrier(barrierID)
	}
	return nil
}

// validateParticipantsLocked checks that the participant set supplied by a
// joining caller matches the set the barrier was created with.
func (s *standalone) validateParticipantsLocked(participants []Task, b *barrier) bool {
	if len(participants) == 0 {
		return len(b.tasksAtBarrier) == len(s.clusterState)
	}
	if len(participants) != len(b.tasksAtBarrier) {
		return false
	}
	for _, t := range participants {
		if _, ok := b.tasksAtBarrier[t]; !ok {
			return false
		}
	}
	return true
}

// CancelBarrier fails the barrier with Cancelled. Cancelling an unknown id
// leaves a pre-cancelled record so later BarrierAsync calls on the id fail
// immediately.
func (s *standalone) CancelBarrier(barrierID string, task Task) error {
	var d deferred
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Errorf(codes.Internal, "coordination service has stopped, CancelBarrier failed")
	}
	b := s.barriers[barrierID]
	if b == nil {
		b = &barrier{initiatingTask: task}
		s.barriers[barrierID] = b
		slog.Warn("barrier cancelled before being created", "barrier", barrierID, "task", task.Name())
	}
	if b.passed {
		code := Code(b.result)
		s.mu.Unlock()
		return Errorf(codes.FailedPrecondition,
			"barrier %s has already been passed with status code %s", barrierID, code)
	}
	s.passBarrierLocked(barrierID, Errorf(codes.Canceled,
		"barrier %s is cancelled by task %s", barrierID, task.Name()), b, &d)
	s.mu.Unlock()
	d.run()
	return nil
}

// passBarrierLocked finishes the barrier with result and queues its
// callbacks on d; d must be run after s.mu is released. Called exactly
// once per barrier instance.
func (s *standalone) passBarrierLocked(barrierID string, result error, b *barrier, d *deferred) {
	b.passed = true
	b.result = result
	if result == nil {
		slog.Info("barrier passed", "barrier", barrierID)
		s.metrics.RecordBarrierPassed("ok")
	} else {
		slog.Info("barrier failed", "barrier", barrierID, "error", result)
		s.metrics.RecordBarrierPassed(Code(result).String())
	}

	// The device propagation barrier gates the one-shot device aggregation.
	if barrierID == s.deviceBarrierID {
		s.aggregateClusterDevicesLocked()
	}
	for t := range b.tasksAtBarrier {
		if ts := s.clusterState[t.Name()]; ts != nil {
			ts.exitBarrier(barrierID)
		}
	}

	// The shutdown barrier disconnects arrived tasks; on failure the
	// stragglers are additionally told the cluster is going down.
	if barrierID == s.shutdownBarrierID {
		if result == nil {
			slog.Info("shutdown barrier has passed")
		} else {
			slog.Error("shutdown barrier has failed, the workers are out of sync", "error", result)
		}
		shutdownErr := Errorf(codes.Internal,
			"shutdown barrier has failed, but this task is not at the barrier yet, barrier result: %v", result)
		for t, arrived := range b.tasksAtBarrier {
			if arrived {
				if err := s.disconnectTaskLocked(t, d); err != nil {
					slog.Error("failed to disconnect task after shutdown barrier",
						"task", t.Name(), "error", err)
				}
			} else {
				s.reportServiceErrorToTaskLocked(t, shutdownErr, d)
			}
		}
	}

	b.tasksAtBarrier = nil
	delete(s.ongoingBarriers, barrierID)
	s.metrics.SetOngoingBarriers(len(s.ongoingBarriers))

	cbs := b.doneCallbacks
	b.doneCallbacks = nil
	d.add(func() {
		for _, cb := range cbs {
			cb(result)
		}
	})
}
