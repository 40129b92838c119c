package coordination

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
)

// ReportErrorRequest is the payload of the service-to-client error
// notification.
type ReportErrorRequest struct {
	Code    codes.Code
	Message string
	Payload ErrorPayload
}

// Client is the service-to-client side of one task's coordination channel.
type Client interface {
	ReportErrorToTask(ctx context.Context, req *ReportErrorRequest) error
}

// ClientCache resolves the client for a task by name. Its presence at
// construction irrevocably selects push-mode error delivery; a nil cache
// selects poll mode.
type ClientCache interface {
	GetClient(taskName string) Client
}

// errorPollingState is the one-shot latch for poll-mode error delivery.
// Guarded by the cluster lock.
type errorPollingState struct {
	responded bool
	err       error
	pollers   map[string]struct{}
	callbacks []StatusCallback
}

// setError latches the error and returns the callbacks to complete.
func (p *errorPollingState) setError(err error) []StatusCallback {
	if p.responded {
		return nil
	}
	p.responded = true
	p.err = err
	cbs := p.callbacks
	p.callbacks = nil
	return cbs
}

// addTask records a pending poll. No-op once the latch has fired.
func (p *errorPollingState) addTask(taskName string, done StatusCallback) {
	if p.responded {
		return
	}
	if p.pollers == nil {
		p.pollers = make(map[string]struct{})
	}
	p.pollers[taskName] = struct{}{}
	p.callbacks = append(p.callbacks, done)
}

func (p *errorPollingState) isTaskPolling(taskName string) bool {
	_, ok := p.pollers[taskName]
	return ok
}

// PollForErrorAsync parks a long-poll from task until the service has an
// error to deliver. Only valid in poll mode.
func (s *standalone) PollForErrorAsync(task Task, done StatusCallback) {
	name := task.Name()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		done(Errorf(codes.Internal, "PollForError requested after coordination service has shut down"))
		return
	}
	if s.cache != nil {
		s.mu.Unlock()
		done(Errorf(codes.Internal,
			"should not use error polling when there is a service-to-client connection"))
		return
	}
	s.clientPolling = true
	ts := s.clusterState[name]
	if ts == nil {
		s.mu.Unlock()
		done(Errorf(codes.InvalidArgument,
			"unexpected task %s that is not in the cluster polling for errors", name))
		return
	}
	// Polls are tolerated for a short grace period after a disconnect to
	// cover the lag before the agent stops its polling thread.
	if ts.disconnectedBeyondGrace(s.nowMicros()) {
		s.mu.Unlock()
		done(Errorf(codes.FailedPrecondition,
			"task %s that has not been registered or has disconnected is polling for errors", name))
		return
	}
	if ts.state == StateError {
		err := ts.status
		s.mu.Unlock()
		done(err)
		return
	}
	if s.polling.responded {
		err := s.polling.err
		s.mu.Unlock()
		done(err)
		return
	}
	s.polling.addTask(name, done)
	s.mu.Unlock()
}

// propagateError delivers source's stored error to the rest of the
// cluster. Must be called without holding the cluster lock, after the
// task error has been set. Recoverable jobs suppress propagation.
func (s *standalone) propagateError(source Task, reportedByTask bool) {
	if s.isRecoverableJob(source.JobName) {
		return
	}
	s.mu.Lock()
	ts := s.clusterState[source.Name()]
	if ts == nil || ts.status == nil {
		s.mu.Unlock()
		return
	}
	err := ts.status
	var targets []string
	for name, t := range s.clusterState {
		if t.state == StateConnected {
			targets = append(targets, name)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	if s.cache == nil {
		s.sendErrorPollingResponseOrStop(err)
		return
	}

	req := &ReportErrorRequest{
		Code:    Code(err),
		Message: Message(err),
		Payload: ErrorPayload{SourceTask: source, IsReportedError: reportedByTask},
	}
	// Best-effort notification of every connected task; wait for all of
	// them before returning.
	var wg sync.WaitGroup
	for _, name := range targets {
		client := s.cache.GetClient(name)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), serviceToClientTimeout)
			defer cancel()
			if rerr := client.ReportErrorToTask(ctx, req); rerr != nil {
				slog.Error("encountered another error while reporting to task",
					"task", name, "error", rerr)
			}
		}(name)
	}
	wg.Wait()
	s.metrics.RecordPropagation()
}

// reportServiceErrorToTaskLocked queues a service-originated error push to
// one task. The send itself happens off-lock, after d runs.
func (s *standalone) reportServiceErrorToTaskLocked(task Task, err error, d *deferred) {
	if s.cache == nil {
		slog.Error("cannot report service error, no service-to-client connection",
			"task", task.Name(), "error", err)
		return
	}
	client := s.cache.GetClient(task.Name())
	req := &ReportErrorRequest{
		Code:    Code(err),
		Message: Message(err),
		Payload: ErrorPayload{SourceTask: serviceTask},
	}
	name := task.Name()
	d.add(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), serviceToClientTimeout)
			defer cancel()
			if rerr := client.ReportErrorToTask(ctx, req); rerr != nil {
				slog.Error("encountered another error while reporting to task",
					"task", name, "error", rerr)
			}
		}()
	})
}

// sendErrorPollingResponse completes every queued poll with err, exactly
// once for the service lifetime.
func (s *standalone) sendErrorPollingResponse(err error) {
	var missing []string
	s.mu.Lock()
	if s.polling.responded {
		s.mu.Unlock()
		return
	}
	for name := range s.clusterState {
		if !s.polling.isTaskPolling(name) {
			missing = append(missing, name)
		}
	}
	cbs := s.polling.setError(err)
	s.mu.Unlock()

	if Code(err) != codes.Canceled {
		slog.Info("sending error as a response to all error polling requests", "error", err)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		slog.Error("tasks did not poll for error, the error will not be propagated to them",
			"tasks", missing)
	}
	for _, cb := range cbs {
		cb(err)
	}
}

// sendErrorPollingResponseOrStop delivers err through the poll channel,
// or stops the service when no task has ever polled. Returns true if the
// service stopped. Only meaningful in poll mode.
func (s *standalone) sendErrorPollingResponseOrStop(err error) bool {
	s.mu.Lock()
	polling := s.clientPolling
	s.mu.Unlock()
	if polling {
		slog.Error("using error polling to propagate error to all tasks", "error", err)
		s.sendErrorPollingResponse(err)
		return false
	}
	slog.Error("stopping coordination service, no service-to-client connection and no task polls for error",
		"error", err)
	s.stop(false)
	return true
}
