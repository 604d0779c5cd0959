// Package jobs runs supplier operations as background jobs: one at a time
// per credential, bounded in parallel overall, with retries for failures
// that are nobody's fault.
package jobs

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"larder/internal/browser"
	"larder/internal/failures"
)

type Job struct {
	Name         string
	CredentialID uint
	Run          func(ctx context.Context) error
}

// RetryPolicy retries rate-limit, maintenance and CAPTCHA failures after a
// jittered delay. Everything else is returned at once.
type RetryPolicy struct {
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

func (p *RetryPolicy) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return browser.Jitter(p.rand, p.MinDelay, p.MaxDelay)
}

func (p *RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !failures.IsRetryable(err) || attempt > p.MaxRetries {
			return err
		}

		delay := p.delay()
		log.Warn().
			Err(err).
			Str("job", name).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Transient supplier failure, retrying")
		if err := browser.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

type Runner struct {
	Workers int
	Retry   *RetryPolicy
	locks   Locks
}

func NewRunner(workers int, retry *RetryPolicy) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if retry == nil {
		retry = &RetryPolicy{}
	}
	return &Runner{Workers: workers, Retry: retry}
}

// Lock takes the credential's lock outside of a job, for handles that span
// several calls.
func (r *Runner) Lock(ctx context.Context, credentialID uint) (func(), error) {
	return r.locks.Lock(ctx, credentialID)
}

// Do runs one job under its credential's lock.
func (r *Runner) Do(ctx context.Context, job Job) error {
	id := uuid.NewString()
	logger := log.With().Str("job", job.Name).Str("job_id", id).Uint("credential_id", job.CredentialID).Logger()

	unlock, err := r.locks.Lock(ctx, job.CredentialID)
	if err != nil {
		return err
	}
	defer unlock()

	start := time.Now()
	logger.Debug().Msg("Job started")
	err = r.Retry.Do(logger.WithContext(ctx), job.Name, job.Run)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return err
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("Job finished")
	return nil
}

// RunAll runs jobs with at most Workers in flight. A failed job does not stop
// the others; errs[i] is the result of jobs[i].
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []error {
	errs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.Workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			errs[i] = r.Do(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
