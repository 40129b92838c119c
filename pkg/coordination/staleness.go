package coordination

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

// monitorLoop is the single background staleness worker. It wakes once a
// second to scan for heartbeat timeouts and expired barrier deadlines.
func (s *standalone) monitorLoop() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopMonitor:
			slog.Info("staleness monitor stopped")
			return
		case <-ticker.C:
		}
		s.checkHeartbeatTimeout()
		s.checkBarrierTimeout()
	}
}

// checkHeartbeatTimeout fails every connected task whose heartbeat is
// older than the timeout and propagates the failures.
func (s *standalone) checkHeartbeatTimeout() {
	var stale []string
	var d deferred
	s.mu.Lock()
	now := s.nowMicros()
	for name, ts := range s.clusterState {
		if ts.state != StateConnected {
			continue
		}
		if ts.millisSinceLastHeartbeat(now) > s.heartbeatTimeout.Milliseconds() {
			stale = append(stale, name)
			err := TaskErrorf(TaskFromName(name), codes.Unavailable,
				"task %s heartbeat timeout, the remote task has likely failed, got preempted, or crashed", name)
			s.setTaskErrorLocked(name, err, &d)
		}
	}
	s.mu.Unlock()
	d.run()

	if len(stale) == 0 {
		return
	}
	if s.cache == nil {
		sort.Strings(stale)
		err := Errorf(codes.Unavailable,
			"the following tasks are unhealthy (stopped sending heartbeats): %s",
			strings.Join(stale, ", "))
		s.sendErrorPollingResponseOrStop(err)
		return
	}
	for _, name := range stale {
		s.propagateError(TaskFromName(name), false)
	}
}

// checkBarrierTimeout fails every ongoing barrier whose deadline has
// passed with DeadlineExceeded.
func (s *standalone) checkBarrierTimeout() {
	var d deferred
	var shutdownExpired error
	s.mu.Lock()
	now := s.nowMicros()
	var expired []string
	for id := range s.ongoingBarriers {
		if now > s.barriers[id].deadlineMicros {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		b := s.barriers[id]
		arrived := 0
		var pending []string
		for t, at := range b.tasksAtBarrier {
			if at {
				arrived++
				continue
			}
			if len(pending) < pendingTaskLogLimit {
				pending = append(pending, t.Name())
			}
		}
		sort.Strings(pending)
		err := Errorf(codes.DeadlineExceeded,
			"barrier timed out, barrier: %s, %d/%d tasks reached the barrier, first task at the barrier: %s, unarrived tasks: %s",
			id, arrived, len(b.tasksAtBarrier), b.initiatingTask.Name(), strings.Join(pending, ", "))
		if id == s.shutdownBarrierID {
			shutdownExpired = err
		}
		s.passBarrierLocked(id, err, b, &d)
	}
	s.mu.Unlock()
	d.run()

	// A shutdown barrier expiry without a push channel must still reach
	// the cluster, through the poll channel or by stopping the service.
	if shutdownExpired != nil && s.cache == nil {
		s.sendErrorPollingResponseOrStop(Errorf(codes.DeadlineExceeded,
			"shutdown barrier timed out: %v", shutdownExpired))
	}
}
