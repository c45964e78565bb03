package payments

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const DefaultResumeSchedule = "@every 1m"

// Resumer periodically resumes bills whose transfer burned but never minted.
type Resumer struct {
	svc     *Service
	cron    *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewResumer(svc *Service, schedule string, timeout time.Duration, logger zerolog.Logger) (*Resumer, error) {
	if schedule == "" {
		schedule = DefaultResumeSchedule
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	log := logger.With().Str("component", "resumer").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resumer{
		svc:     svc,
		timeout: timeout,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.cron = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(&r.logger))))
	if _, err := r.cron.AddFunc(schedule, r.Tick); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *Resumer) Start() {
	r.logger.Info().Msg("resumer started")
	r.cron.Start()
}

// Stop cancels any running pass and waits for it to finish or ctx to expire.
func (r *Resumer) Stop(ctx context.Context) {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Tick runs one pass. Overlapping passes are skipped.
func (r *Resumer) Tick() {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug().Msg("previous pass still running")
		return
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	n, err := r.svc.ResumeAll(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Int("resumed", n).Msg("resume pass interrupted")
		return
	}
	if n > 0 {
		r.logger.Info().Int("resumed", n).Msg("resume pass finished")
	}
}
