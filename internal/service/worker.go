package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type job struct {
	fn   func(context.Context) error
	done chan error
}

// Do runs fn on the worker goroutine and waits for its result. It returns
// ErrServiceStopped when the service is not running. fn must not call Do.
func (s *Service) Do(ctx context.Context, fn func(context.Context) error) error {
	if !s.State().Active() {
		return ErrServiceStopped
	}
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.workerDone:
		return ErrServiceStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-s.workerDone:
		// The worker may have finished j right before exiting.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrServiceStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on the worker without waiting. It reports false when the
// service is not running or the queue is full.
func (s *Service) Submit(fn func(context.Context)) bool {
	if !s.State().Active() {
		return false
	}
	j := job{fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}}
	select {
	case s.jobs <- j:
		return true
	default:
		s.log.Warn("worker queue full, job dropped")
		return false
	}
}

// runWorker owns the periodic task and the submitted jobs. The first periodic
// run happens one interval after start.
func (s *Service) runWorker() {
	defer s.loops.Done()
	defer close(s.workerDone)
	var tick <-chan time.Time
	var timer *time.Timer
	if s.opts.Periodic != nil {
		timer = time.NewTimer(s.opts.Interval)
		defer timer.Stop()
		tick = timer.C
	}
	for {
		select {
		case <-s.ctx.Done():
			s.drainJobs()
			return
		case j := <-s.jobs:
			s.runJob(j)
		case <-tick:
			s.runPeriodic()
			timer.Reset(s.opts.Interval)
		}
	}
}

func (s *Service) runJob(j job) {
	err := s.safeCall(j.fn)
	if j.done != nil {
		j.done <- err
	} else if err != nil {
		s.log.Warn("job failed", zap.Error(err))
	}
}

func (s *Service) runPeriodic() {
	s.metrics.IncPeriodicRun()
	if err := s.safeCall(s.opts.Periodic); err != nil {
		s.metrics.IncPeriodicFail()
		s.log.Warn("periodic task failed", zap.Error(err))
	}
}

// drainJobs fails queued jobs so their callers return.
func (s *Service) drainJobs() {
	for {
		select {
		case j := <-s.jobs:
			if j.done != nil {
				j.done <- ErrServiceStopped
			}
		default:
			return
		}
	}
}

func (s *Service) safeCall(fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncPanic()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}
