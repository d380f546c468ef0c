package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartContinuous runs a cycle immediately and then every interval,
// measured from cycle start. A cycle that overruns is followed at once by
// the next; cycles never overlap. Fatal cycle errors are logged and the
// loop carries on at the next interval.
func (s *Scanner) StartContinuous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid scan interval %s", interval)
	}
	stop, done, err := s.begin()
	if err != nil {
		return err
	}

	go func() {
		defer close(done)
		s.log.Info().Dur("interval", interval).Msg("continuous scanning started")
		for {
			start := time.Now()
			s.runCycle(ctx)

			wait := interval - time.Since(start)
			if wait < 0 {
				s.log.Warn().Dur("overrun", -wait).Msg("scan cycle overran the interval")
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			// Stop may race with a zero wait; honour it at the boundary.
			select {
			case <-stop:
				return
			default:
			}
		}
	}()
	return nil
}

// StartCron runs cycles on a cron schedule. Both five-field and
// seconds-prefixed expressions are accepted; loc defaults to local time.
// A trigger that fires while a cycle runs is skipped.
func (s *Scanner) StartCron(ctx context.Context, expr string, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.PrintfLogger(&s.log)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(expr, func() { s.runCycle(ctx) }); err != nil {
		return fmt.Errorf("register scan schedule %q: %w", expr, err)
	}

	_, done, err := s.begin()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	close(done)
	s.log.Info().Str("schedule", expr).Str("tz", loc.String()).Msg("scheduled scanning started")
	return nil
}

// Stop ends continuous or scheduled scanning and blocks until the loop has
// exited. A cycle in flight finishes its fetch phase and its results are
// discarded. Calling Stop when not running is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	stop, done, c := s.stopCh, s.loopDone, s.cron
	if stop == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	<-done

	s.mu.Lock()
	if s.stopCh == stop {
		s.stopCh, s.loopDone, s.cron = nil, nil, nil
	}
	s.mu.Unlock()
	s.log.Info().Msg("scanner stopped")
}

// Running reports whether a continuous or scheduled loop is active.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

func (s *Scanner) begin() (stop, done chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil, nil, ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	return s.stopCh, s.loopDone, nil
}

func (s *Scanner) runCycle(ctx context.Context) {
	if s.stopRequested() {
		return
	}
	// fatal errors are logged by Scan; the loop retries next interval
	if _, err := s.Scan(ctx); errors.Is(err, ErrScanInProgress) {
		s.log.Debug().Msg("scan already in progress, skipping trigger")
	}
}
