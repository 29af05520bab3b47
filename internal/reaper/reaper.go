package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
	"github.com/shaiso/Conveyor/internal/tracking"
)

// StaleReason — значение metadata.reason для записей, завершённых reaper'ом.
const StaleReason = "stale"

// Default configuration values.
const (
	defaultSchedule   = "@every 5m"
	defaultStaleAfter = time.Hour
	defaultBatchSize  = 100
	defaultLockTTL    = 4 * time.Minute
)

// Reaper периодически завершает зависшие runs.
type Reaper struct {
	tracker *tracking.Tracker
	locker  Locker
	logger  *slog.Logger

	schedule   cron.Schedule
	spec       string
	staleAfter time.Duration
	batchSize  int
	lockTTL    time.Duration

	cron *cron.Cron
}

// Config — конфигурация Reaper.
type Config struct {
	Tracker *tracking.Tracker

	// Locker — опционально; nil — тик выполняется без блокировки.
	Locker Locker

	// Schedule — cron выражение или дескриптор (default: "@every 5m").
	Schedule string

	// StaleAfter — возраст run, после которого он считается зависшим (default: 1h).
	StaleAfter time.Duration

	// BatchSize — runs за один тик (default: 100).
	BatchSize int

	// LockTTL — время жизни блокировки лидера (default: 4m).
	LockTTL time.Duration

	Logger *slog.Logger
}

// Report — итог одного тика.
type Report struct {
	Runs      int
	Reaped    int
	Finalized int
	Released  int
	Skipped   bool
}

// New создаёт Reaper. Возвращает ошибку для некорректного расписания.
func New(cfg Config) (*Reaper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = defaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", spec, err)
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reaper{
		tracker:    cfg.Tracker,
		locker:     cfg.Locker,
		logger:     logger,
		schedule:   schedule,
		spec:       spec,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		lockTTL:    lockTTL,
	}, nil
}

// Start запускает тики по расписанию. Не блокируется.
func (r *Reaper) Start(ctx context.Context) {
	r.cron = cron.New()
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Tick(ctx); err != nil {
			r.logger.Error("reaper tick failed", "error", err)
		}
	}))
	r.cron.Start()

	r.logger.Info("reaper started",
		"schedule", r.spec,
		"stale_after", r.staleAfter,
		"batch_size", r.batchSize,
	)
}

// Stop останавливает расписание и ждёт завершения текущего тика.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

// Tick выполняет один проход.
//
// Ошибки отдельного run не прерывают обработку остальных.
func (r *Reaper) Tick(ctx context.Context) (*Report, error) {
	report := &Report{}

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, r.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire reaper lock: %w", err)
		}
		if release == nil {
			r.logger.Debug("reaper lock held elsewhere, skipping tick")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("failed to release reaper lock", "error", err)
			}
		}()
	}

	runs, err := r.tracker.StaleRuns(ctx, r.staleAfter, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	report.Runs = len(runs)

	for _, runID := range runs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.reapRun(ctx, runID, report); err != nil {
			r.logger.Error("failed to reap run", "run_id", runID, "error", err)
		}
	}

	if report.Runs > 0 {
		r.logger.Info("reaper tick completed",
			"runs", report.Runs,
			"reaped", report.Reaped,
			"finalized", report.Finalized,
			"released", report.Released,
		)
	}
	return report, nil
}

// reapRun завершает один run.
func (r *Reaper) reapRun(ctx context.Context, runID string, report *Report) error {
	logger := telemetry.WithRunID(r.logger, runID)

	summary, err := r.tracker.ListPipelines(ctx, runID)
	if errors.Is(err, tracking.ErrJobNotFound) || (err == nil && len(summary.Pipelines) == 0) {
		logger.Info("stale run has no pipelines, releasing")
		report.Released++
		return r.tracker.ReleaseRun(ctx, runID)
	}
	if err != nil {
		return err
	}

	for i := range summary.Pipelines {
		p := &summary.Pipelines[i]
		if p.Status.IsTerminal() {
			continue
		}

		meta := domain.CloneMap(p.Metadata)
		meta["reason"] = StaleReason
		meta["stale_status"] = string(p.Status)

		_, err := r.tracker.UpdatePipelineStatus(ctx, runID, p.PipelineID, domain.StatusUpdate{
			Status:     domain.StatusFailed,
			PageNumber: p.PageNumber,
			Branch:     p.Branch,
			Metadata:   meta,
		})
		if errors.Is(err, tracking.ErrTerminalStatus) {
			continue
		}
		if err != nil {
			return fmt.Errorf("fail %s/%s: %w", p.PipelineID, p.EntryKey(), err)
		}

		telemetry.ReapedTotal.Inc()
		report.Reaped++
		logger.Warn("stale pipeline marked failed",
			"pipeline_id", p.PipelineID,
			"entry", p.EntryKey(),
			"previous", p.Status,
		)
	}

	finalized, err := r.tracker.FinalizeRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if finalized {
		report.Finalized++
	}
	return nil
}
