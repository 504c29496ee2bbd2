// Package embedworker is the Embedding Worker (§4.4): a long-lived poll
// loop that claims pending survey comments, embeds them through an
// explicitly-passed model handle, and writes the result back. Structurally
// follows pkg/queue/worker.go's run/pollAndProcess/sleep loop, generalized
// from session claiming to survey-row claiming.
package embedworker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/croanalysis/core/pkg/embedmodel"
	"github.com/croanalysis/core/pkg/txstore"
	"golang.org/x/time/rate"
)

// ErrNoRowsAvailable signals an empty poll: sleep and try again.
var ErrNoRowsAvailable = errors.New("embedworker: no pending rows available")

// Config tunes the poll loop; zero values fall back to spec defaults.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	BatchTimeout  time.Duration
	StaleAfter    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

// Worker polls SurveyRepo for pending comments and embeds them through an
// explicitly owned Model handle, never an ambient global (Design Notes §9).
type Worker struct {
	surveys *txstore.SurveyRepo
	model   *embedmodel.Model
	cfg     Config
	limiter *rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Worker. model is passed explicitly rather than fetched from
// embedmodel.Get() internally, so callers (and tests) control the instance.
func New(surveys *txstore.SurveyRepo, model *embedmodel.Model, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		surveys: surveys,
		model:   model,
		cfg:     cfg,
		// One inference per 20ms ceiling keeps CPU-bound embedding calls from
		// starving the rest of the process under a large backlog.
		limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), cfg.BatchSize),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the poll loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to stop and waits for it to exit. Safe to call more
// than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("component", "embedworker")
	log.Info("embedding worker started", "batch_size", w.cfg.BatchSize, "poll_interval", w.cfg.PollInterval)

	lastRequeue := time.Now()

	for {
		select {
		case <-w.stopCh:
			log.Info("embedding worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, embedding worker shutting down")
			return
		default:
		}

		if time.Since(lastRequeue) > w.cfg.StaleAfter {
			if n, err := w.surveys.RequeueStaleProcessing(ctx, w.cfg.StaleAfter); err != nil {
				log.Error("requeue stale processing rows failed", "error", err)
			} else if n > 0 {
				log.Warn("requeued stale processing rows", "count", n)
			}
			lastRequeue = time.Now()
		}

		if err := w.pollAndProcess(ctx); err != nil {
			if errors.Is(err, ErrNoRowsAvailable) {
				w.sleep(w.pollInterval())
				continue
			}
			log.Error("embedding batch failed", "error", err)
			w.sleep(time.Second)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one batch and embeds each row independently,
// isolating per-row failures per §4.4 ("never aborts the whole batch on a
// single failure").
func (w *Worker) pollAndProcess(ctx context.Context) error {
	batchCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	defer cancel()

	rows, err := w.surveys.ClaimPendingBatch(batchCtx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoRowsAvailable
	}

	log := slog.With("component", "embedworker")
	var succeeded, failed int
	for _, row := range rows {
		select {
		case <-batchCtx.Done():
			log.Warn("embedding batch timed out mid-batch", "remaining", len(rows)-succeeded-failed)
			return nil
		default:
		}

		if err := w.limiter.Wait(batchCtx); err != nil {
			return nil
		}

		if row.Comment == nil || *row.Comment == "" {
			// Should never happen (skipped at insert time), but never silently
			// leave a claimed row stuck in 'processing'.
			if err := w.surveys.MarkFailed(batchCtx, row.ID); err != nil {
				log.Error("mark failed for empty claimed comment", "id", row.ID, "error", err)
			}
			failed++
			continue
		}

		vec := w.model.Embed(*row.Comment)
		if err := w.surveys.MarkEmbedded(batchCtx, row.ID, vec, time.Now()); err != nil {
			log.Error("mark embedded failed", "id", row.ID, "error", err)
			if markErr := w.surveys.MarkFailed(context.Background(), row.ID); markErr != nil {
				log.Error("mark failed after embed-write error", "id", row.ID, "error", markErr)
			}
			failed++
			continue
		}
		succeeded++
	}

	log.Info("embedding batch complete", "claimed", len(rows), "succeeded", succeeded, "failed", failed)
	return nil
}

// pollInterval returns the configured interval with +/-20% jitter, the same
// shape as pkg/queue/worker.go's pollInterval helper.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
