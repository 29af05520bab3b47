package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/notify"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Tracker — сервис отслеживания jobs и статусов pipelines.
//
// Поверх Store добавляет:
//   - автосоздание job из полей запроса на обновление статуса
//   - уведомление о начале run (первая запись под run_id)
//   - уведомление о завершении run (все записи финальны, не более одного раза)
//   - агрегированный статус run
type Tracker struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Config — конфигурация Tracker.
type Config struct {
	Store Store

	// Notifier — получатель уведомлений (default: notify.Nop).
	Notifier notify.Notifier

	Logger *slog.Logger

	// Now — источник времени (default: time.Now).
	Now func() time.Time
}

// New создаёт Tracker.
func New(cfg Config) *Tracker {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Tracker{store: cfg.Store, notifier: notifier, logger: logger, now: now}
}

// CreateJob создаёт job. Пустой run_id генерируется.
func (t *Tracker) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.RunID == "" {
		job.RunID = domain.NewRunID()
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	t.logger.Info("job created", "run_id", job.RunID)
	return job, nil
}

// GetJob возвращает job.
func (t *Tracker) GetJob(ctx context.Context, runID string) (*domain.Job, error) {
	return t.store.GetJob(ctx, runID)
}

// UpdateJob обновляет job.
func (t *Tracker) UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job.RunID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	return t.store.UpdateJob(ctx, job)
}

// DeleteJob удаляет job вместе со всеми статусами pipelines.
func (t *Tracker) DeleteJob(ctx context.Context, runID string) error {
	if err := t.store.DeleteJob(ctx, runID); err != nil {
		return err
	}

	t.logger.Info("job deleted", "run_id", runID)
	return nil
}

// UpdatePipelineStatus записывает статус pipeline внутри run.
//
// Если job для run_id ещё нет, он создаётся из полей запроса. Ошибки
// уведомлений логируются и не влияют на результат записи.
func (t *Tracker) UpdatePipelineStatus(ctx context.Context, runID, pipelineID string, u domain.StatusUpdate) (*UpsertResult, error) {
	if runID == "" || pipelineID == "" {
		return nil, fmt.Errorf("%w: run_id and pipeline_id are required", ErrInvalidRequest)
	}
	if !u.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
	}

	status := &domain.PipelineStatus{
		RunID:      runID,
		PipelineID: pipelineID,
		Status:     u.Status,
		PageNumber: u.PageNumber,
		Branch:     u.Branch,
		Metadata:   u.Metadata,
		AppID:      u.AppID,
		TenantID:   u.TenantID,
		PatientID:  u.PatientID,
		DocumentID: u.DocumentID,
	}

	res, err := t.store.UpsertStatus(ctx, status, domain.JobFromUpdate(runID, u))
	if err != nil {
		return nil, err
	}

	logger := telemetry.WithPipelineID(telemetry.WithRunID(t.logger, runID), pipelineID)

	if res.Unchanged {
		logger.Debug("pipeline status unchanged", "status", u.Status, "entry", status.EntryKey())
	} else {
		telemetry.StatusWritesTotal.WithLabelValues(string(u.Status)).Inc()
		logger.Info("pipeline status updated",
			"status", u.Status,
			"previous", res.Previous,
			"entry", status.EntryKey(),
			"first", res.First,
		)
	}

	if res.JobCreated {
		logger.Info("job created from status update")
	}

	if res.First {
		notify.BestEffort(ctx, "run_started", func(ctx context.Context) error {
			job, err := t.store.GetJob(ctx, runID)
			if err != nil {
				return err
			}
			return t.notifier.RunStarted(ctx, job, res.Status)
		}).Log(logger)
	}

	if u.Status.IsTerminal() {
		notify.BestEffort(ctx, "run_completed", func(ctx context.Context) error {
			return t.completeIfDone(ctx, runID, false)
		}).Log(logger)
	}

	return res, nil
}

// ListPipelines возвращает агрегированное состояние run.
func (t *Tracker) ListPipelines(ctx context.Context, runID string) (*domain.RunSummary, error) {
	statuses, err := t.store.ListStatuses(ctx, runID)
	if err != nil {
		return nil, err
	}

	job, err := t.store.GetJob(ctx, runID)
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) || len(statuses) == 0 {
			return nil, err
		}
		job = nil
	}

	return t.summarize(runID, job, statuses), nil
}

// FinalizeRun отправляет уведомление о завершении run без проверки
// количества страниц. Используется для зависших run.
// Возвращает false, если уведомление уже было отправлено.
func (t *Tracker) FinalizeRun(ctx context.Context, runID string) (bool, error) {
	notified, err := t.store.CompletionNotified(ctx, runID)
	if err != nil || notified {
		return false, err
	}
	if err := t.completeIfDone(ctx, runID, true); err != nil {
		return false, err
	}
	return t.store.CompletionNotified(ctx, runID)
}

// ReleaseRun убирает run без статусов из выборки StaleRuns.
func (t *Tracker) ReleaseRun(ctx context.Context, runID string) error {
	return t.store.Unindex(ctx, runID)
}

// StaleRuns возвращает run, созданные раньше now-olderThan и ещё не завершённые.
func (t *Tracker) StaleRuns(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return t.store.RunsCreatedBefore(ctx, t.now().Add(-olderThan), limit)
}

// completeIfDone отправляет уведомление о завершении, если все записи run
// финальны и (при skipPages == false) получены все ожидаемые страницы.
func (t *Tracker) completeIfDone(ctx context.Context, runID string, skipPages bool) error {
	summary, err := t.ListPipelines(ctx, runID)
	if err != nil {
		return err
	}

	for i := range summary.Pipelines {
		if !summary.Pipelines[i].Status.IsTerminal() {
			return nil
		}
	}
	if len(summary.Pipelines) == 0 {
		return nil
	}
	if !skipPages && summary.Pages > 0 && summary.PagesSeen < summary.Pages {
		t.logger.Debug("run terminal but pages missing",
			"run_id", runID,
			"pages", summary.Pages,
			"pages_seen", summary.PagesSeen,
		)
		return nil
	}

	first, err := t.store.MarkCompletionNotified(ctx, runID)
	if err != nil || !first {
		return err
	}

	t.logger.Info("run completed", "run_id", runID, "status", summary.Status)
	return t.notifier.RunCompleted(ctx, summary)
}

// summarize строит RunSummary из статусов.
func (t *Tracker) summarize(runID string, job *domain.Job, statuses []domain.PipelineStatus) *domain.RunSummary {
	summary := &domain.RunSummary{
		RunID:       runID,
		PipelineIDs: []string{},
		Pipelines:   statuses,
	}
	if summary.Pipelines == nil {
		summary.Pipelines = []domain.PipelineStatus{}
	}
	if job != nil {
		summary.Pages = job.Pages
	}

	seenIDs := make(map[string]bool)
	seenPages := make(map[int]bool)
	values := make([]domain.Status, 0, len(statuses))
	var earliest time.Time

	for i := range statuses {
		st := &statuses[i]
		values = append(values, st.Status)

		if !seenIDs[st.PipelineID] {
			seenIDs[st.PipelineID] = true
			summary.PipelineIDs = append(summary.PipelineIDs, st.PipelineID)
		}
		if st.PageNumber != nil {
			seenPages[*st.PageNumber] = true
		}
		if earliest.IsZero() || st.CreatedAt.Before(earliest) {
			earliest = st.CreatedAt
		}
	}

	summary.Status = domain.Rollup(values)
	summary.PipelineCount = len(summary.PipelineIDs)
	summary.PagesSeen = len(seenPages)
	if !earliest.IsZero() {
		summary.ElapsedTime = t.now().Sub(earliest).Seconds()
	}

	return summary
}
