package botspot

import (
	"context"
	"sync"
	"time"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/panjf2000/ants/v2"
)

// Task is a unit of scheduled work.
type Task func(ctx context.Context)

// Scheduler runs one-shot and repeating tasks on a shared worker pool.
type Scheduler struct {
	pool *ants.Pool
	log  Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newScheduler(ctx contem.Context, log Logger, cfg SchedulerSettings) (*Scheduler, error) {
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, errm.Wrap(err, "create worker pool")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		pool:   pool,
		log:    log,
		ctx:    runCtx,
		cancel: cancel,
	}
	ctx.Add(func(context.Context) error {
		s.Stop()
		return nil
	})

	return s, nil
}

// ScheduleAt runs the task once at the given time. Past times run immediately.
func (s *Scheduler) ScheduleAt(at time.Time, task Task) {
	s.ScheduleAfter(time.Until(at), task)
}

// ScheduleAfter runs the task once after the given delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, task Task) {
	s.wg.Add(1)
	lang.Go(s.log, func() {
		defer s.wg.Done()

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.ctx.Done():
				return
			}
		}
		s.submit(task)
	})
}

// ScheduleEvery runs the task repeatedly with the given interval until the
// scheduler stops. The first run happens after one interval.
func (s *Scheduler) ScheduleEvery(interval time.Duration, task Task) {
	if interval <= 0 {
		s.log.Warn("repeating task needs a positive interval, skipping")
		return
	}

	s.wg.Add(1)
	lang.Go(s.log, func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.submit(task)
			case <-s.ctx.Done():
				return
			}
		}
	})
}

// Stop cancels pending timers, waits for running tasks and releases the pool.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pool.Release()
}

// Running returns the number of tasks currently executing on the pool.
func (s *Scheduler) Running() int {
	return s.pool.Running()
}

func (s *Scheduler) submit(task Task) {
	err := s.pool.Submit(func() {
		defer lang.Recover(s.log)
		task(s.ctx)
	})
	if err != nil {
		s.log.Error("cannot submit scheduled task", "error", err)
	}
}
