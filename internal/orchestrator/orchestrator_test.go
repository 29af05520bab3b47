package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/invoke"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://conveyor.local"

type recordingQueue struct {
	units []queue.Unit
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, u queue.Unit) error {
	if q.err != nil {
		return q.err
	}
	q.units = append(q.units, u)
	return nil
}

func (q *recordingQueue) params(t *testing.T, i int) domain.TaskParameters {
	t.Helper()
	require.Greater(t, len(q.units), i)
	var tp domain.TaskParameters
	require.NoError(t, json.Unmarshal(q.units[i].Payload, &tp))
	return tp
}

type countingNotifier struct {
	started, completed int
}

func (n *countingNotifier) RunStarted(context.Context, *domain.Job, *domain.PipelineStatus) error {
	n.started++
	return nil
}

func (n *countingNotifier) RunCompleted(context.Context, *domain.RunSummary) error {
	n.completed++
	return nil
}

type harness struct {
	orch     *Orchestrator
	configs  *repo.MemoryConfigRepo
	tracker  *tracking.Tracker
	queue    *recordingQueue
	notifier *countingNotifier

	invoked []domain.TaskParameters
	results map[string]*domain.TaskResults
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		configs:  repo.NewMemoryConfigRepo(),
		queue:    &recordingQueue{},
		notifier: &countingNotifier{},
		results:  make(map[string]*domain.TaskResults),
	}
	h.tracker = tracking.New(tracking.Config{
		Store:    tracking.NewRedisStore(rdb),
		Notifier: h.notifier,
	})

	inv := invoke.InvokerFunc(func(_ context.Context, p *domain.TaskParameters) *domain.TaskResults {
		h.invoked = append(h.invoked, *p)
		if res, ok := h.results[p.TaskConfig.ID]; ok {
			return res
		}
		return domain.Succeeded(nil)
	})

	h.orch = New(Config{
		Configs: h.configs,
		Invoker: inv,
		Queue:   h.queue,
		Status:  h.tracker,
		BaseURL: baseURL,
	})
	return h
}

func (h *harness) save(t *testing.T, cfg *domain.PipelineConfig) {
	t.Helper()
	_, err := h.configs.CreateOrUpdate(context.Background(), cfg)
	require.NoError(t, err)
}

func (h *harness) statuses(t *testing.T, runID string) map[string]domain.Status {
	t.Helper()
	summary, err := h.tracker.ListPipelines(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]domain.Status, len(summary.Pipelines))
	for _, s := range summary.Pipelines {
		out[s.PipelineID+"/"+s.EntryKey()] = s.Status
	}
	return out
}

func startConfig() *domain.PipelineConfig {
	return &domain.PipelineConfig{
		Scope:   "default",
		Key:     "start",
		Version: "1.0.0",
		Tasks: []domain.TaskConfig{
			domain.NewTask("SPLIT_PAGES", domain.ModuleSpec{Name: "split_pages"}),
			domain.NewTask("extract", domain.PromptSpec{Template: "extract {{ .DocumentID }}"}),
		},
	}
}

func startParams() domain.PipelineParameters {
	return domain.PipelineParameters{AppID: "hhh", TenantID: "t1", PatientID: "p1", DocumentID: "d1"}
}

// --- Start Tests ---

func TestStart_InvokesFirstTaskAndSchedulesNext(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())

	out, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)

	_, ok := domain.RunIDTime(out.RunID)
	assert.True(t, ok, "run_id should be a time-prefixed ULID, got %q", out.RunID)
	assert.Equal(t, "hhh", out.AppID)

	require.Len(t, h.invoked, 1)
	assert.Equal(t, "SPLIT_PAGES", h.invoked[0].TaskConfig.ID)
	assert.Equal(t, out.RunID, h.invoked[0].RunID)

	require.Len(t, h.queue.units, 1)
	assert.Equal(t, baseURL+"/pipeline/default/start/tasks/extract/run", h.queue.units[0].URL)
	assert.Equal(t, domain.DefaultQueueName, h.queue.units[0].Queue)

	next := h.queue.params(t, 0)
	assert.Equal(t, "extract", next.TaskConfig.ID)
	assert.Equal(t, out.RunID, next.RunID)
	assert.Contains(t, next.Context["tasks"], "SPLIT_PAGES")

	assert.Equal(t, map[string]domain.Status{
		"default:start/document": domain.StatusInProgress,
	}, h.statuses(t, out.RunID))
	assert.Equal(t, 1, h.notifier.started)
}

func TestStart_KeepsCallerRunID(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())

	p := startParams()
	p.RunID = "run123"
	out, err := h.orch.Start(context.Background(), "default", "start", p)
	require.NoError(t, err)

	assert.Equal(t, "run123", out.RunID)
	assert.Equal(t, "run123", h.queue.params(t, 0).RunID)
}

func TestStart_Rejections(t *testing.T) {
	h := newHarness(t)
	h.save(t, &domain.PipelineConfig{Scope: "default", Key: "empty", Version: "1.0.0"})

	tests := []struct {
		name       string
		scope, key string
		want       error
	}{
		{"missing scope", "", "start", ErrMissingScopeKey},
		{"missing key", "default", "", ErrMissingScopeKey},
		{"not found", "default", "nope", ErrPipelineNotFound},
		{"empty tasks", "default", "empty", ErrEmptyTasks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startParams()
			p.RunID = "run-" + tt.name
			_, err := h.orch.Start(context.Background(), tt.scope, tt.key, p)
			assert.ErrorIs(t, err, tt.want)

			_, err = h.tracker.GetJob(context.Background(), p.RunID)
			assert.ErrorIs(t, err, tracking.ErrJobNotFound, "no status write expected")
		})
	}

	assert.Empty(t, h.invoked)
	assert.Empty(t, h.queue.units)
}

func TestStart_EnqueueFailureFailsHop(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())
	h.queue.err = queue.ErrQueueClosed

	_, err := h.orch.Start(context.Background(), "default", "start", startParams())
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

// --- RunTask Tests ---

func TestRunTask_LastTaskCompletesBranch(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())
	h.results["extract"] = domain.Succeeded(map[string]any{
		"entities": []any{map[string]any{"name": "aspirin"}},
	})

	out, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)

	hop, err := h.orch.RunTask(context.Background(), h.queue.params(t, 0))
	require.NoError(t, err)

	assert.True(t, hop.Completed)
	assert.Empty(t, hop.Scheduled)
	assert.Len(t, h.queue.units, 1, "nothing scheduled after the last task")

	summary, err := h.tracker.ListPipelines(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, summary.Status)
	assert.Equal(t, 1, h.notifier.completed)

	// Повторная доставка того же шага
	_, err = h.orch.RunTask(context.Background(), h.queue.params(t, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, h.notifier.completed)
}

func TestRunTask_FailureRecordsFailedAndSparesSiblings(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())
	h.results["extract"] = domain.Failed("HTTP 500: boom", map[string]any{"error_type": invoke.ErrorTypeClientError})

	out, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)

	_, err = h.tracker.UpdatePipelineStatus(context.Background(), out.RunID, "default:sibling",
		domain.StatusUpdate{Status: domain.StatusInProgress})
	require.NoError(t, err)

	hop, err := h.orch.RunTask(context.Background(), h.queue.params(t, 0))
	require.NoError(t, err, "invoker failures do not fail the hop")
	assert.False(t, hop.Results.Success)
	assert.True(t, hop.Completed)

	summary, err := h.tracker.ListPipelines(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, summary.Status)

	for _, s := range summary.Pipelines {
		switch s.PipelineID {
		case "default:start":
			assert.Equal(t, domain.StatusFailed, s.Status)
			assert.Equal(t, "HTTP 500: boom", s.Metadata["error_message"])
			assert.Equal(t, invoke.ErrorTypeClientError, s.Metadata["error_type"])
		case "default:sibling":
			assert.Equal(t, domain.StatusInProgress, s.Status)
		}
	}
}

func TestRunTask_FanOutPerPage(t *testing.T) {
	h := newHarness(t)
	cfg := startConfig()
	cfg.Tasks[0].PostProcessing = &domain.PostProcessing{ForEach: "pages"}
	h.save(t, cfg)
	h.results["SPLIT_PAGES"] = domain.Succeeded(map[string]any{
		"page_count": 2,
		"pages": []any{
			map[string]any{"page_number": 1},
			map[string]any{"page_number": 2},
		},
	})

	out, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)

	require.Len(t, h.queue.units, 2)
	assert.NotEqual(t, h.queue.units[0].ID, h.queue.units[1].ID)
	for i := range h.queue.units {
		tp := h.queue.params(t, i)
		require.NotNil(t, tp.PageNumber)
		assert.Equal(t, i+1, *tp.PageNumber)
		assert.Equal(t, "extract", tp.TaskConfig.ID)
		assert.NotNil(t, tp.Context["item"])
	}

	assert.Equal(t, map[string]domain.Status{
		"default:start/document": domain.StatusCompleted,
		"default:start/page-1":   domain.StatusInProgress,
		"default:start/page-2":   domain.StatusInProgress,
	}, h.statuses(t, out.RunID))

	for i := range h.queue.units {
		_, err := h.orch.RunTask(context.Background(), h.queue.params(t, i))
		require.NoError(t, err)
	}

	summary, err := h.tracker.ListPipelines(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.PipelineCount)
	assert.Equal(t, 1, h.notifier.completed)
}

func TestRunTask_FanOutWithoutPagesTracksEachBranch(t *testing.T) {
	h := newHarness(t)
	cfg := startConfig()
	cfg.Tasks[0].PostProcessing = &domain.PostProcessing{ForEach: "items"}
	h.save(t, cfg)
	h.results["SPLIT_PAGES"] = domain.Succeeded(map[string]any{
		"items": []any{
			map[string]any{"name": "a"},
			map[string]any{"name": "b"},
		},
	})
	h.results["extract"] = domain.Failed("bad output", nil)

	out, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)

	require.Len(t, h.queue.units, 2)
	assert.NotEqual(t, h.queue.units[0].ID, h.queue.units[1].ID)
	assert.Equal(t, "item-0", h.queue.params(t, 0).Branch)
	assert.Equal(t, "item-1", h.queue.params(t, 1).Branch)
	assert.Nil(t, h.queue.params(t, 0).PageNumber)

	assert.Equal(t, map[string]domain.Status{
		"default:start/document":        domain.StatusCompleted,
		"default:start/document/item-0": domain.StatusInProgress,
		"default:start/document/item-1": domain.StatusInProgress,
	}, h.statuses(t, out.RunID))

	summary, err := h.tracker.ListPipelines(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, summary.Status)
	assert.Equal(t, 0, h.notifier.completed, "run must not complete before its branches")

	for i := range h.queue.units {
		hop, err := h.orch.RunTask(context.Background(), h.queue.params(t, i))
		require.NoError(t, err)
		assert.False(t, hop.Results.Success)
	}

	assert.Equal(t, map[string]domain.Status{
		"default:start/document":        domain.StatusCompleted,
		"default:start/document/item-0": domain.StatusFailed,
		"default:start/document/item-1": domain.StatusFailed,
	}, h.statuses(t, out.RunID))

	summary, err = h.tracker.ListPipelines(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, summary.Status)
	assert.Equal(t, 1, summary.PipelineCount)
	assert.Equal(t, 1, h.notifier.completed)

	// Повторная доставка родительского шага не открывает завершённые ветки
	_, err = h.orch.RunTask(context.Background(), domain.NewTaskParameters("default", "start", out, cfg.Tasks[0]))
	require.NoError(t, err)
	assert.Len(t, h.queue.units, 2)
	assert.Equal(t, domain.StatusFailed, h.statuses(t, out.RunID)["default:start/document/item-0"])
	assert.Equal(t, 1, h.notifier.completed)
}

func TestRunTask_CarriesEntities(t *testing.T) {
	h := newHarness(t)
	cfg := startConfig()
	cfg.Tasks = append(cfg.Tasks, domain.NewTask("publish", domain.CallbackSpec{URL: "https://partner.local"}))
	h.save(t, cfg)
	h.results["extract"] = domain.Succeeded(map[string]any{
		"entities": []any{map[string]any{"name": "aspirin"}},
	})

	_, err := h.orch.Start(context.Background(), "default", "start", startParams())
	require.NoError(t, err)
	_, err = h.orch.RunTask(context.Background(), h.queue.params(t, 0))
	require.NoError(t, err)

	publish := h.queue.params(t, 1)
	assert.Equal(t, "publish", publish.TaskConfig.ID)
	require.Len(t, publish.Entities, 1)
	assert.Equal(t, "aspirin", publish.Entities[0]["name"])
}

func TestRunTask_SkipsCallbackWhenAutoPublishDisabled(t *testing.T) {
	h := newHarness(t)
	disabled := false
	h.save(t, &domain.PipelineConfig{
		Scope:                      "default",
		Key:                        "publish",
		Version:                    "1.0.0",
		AutoPublishEntitiesEnabled: &disabled,
		Tasks: []domain.TaskConfig{
			domain.NewTask("publish", domain.CallbackSpec{URL: "https://partner.local"}),
		},
	})

	hop, err := h.orch.RunTask(context.Background(), domain.TaskParameters{
		RunID:         "run-skip",
		PipelineScope: "default",
		PipelineKey:   "publish",
		TaskConfig:    domain.TaskConfig{ID: "publish"},
	})
	require.NoError(t, err)

	assert.True(t, hop.Skipped)
	assert.True(t, hop.Results.Success)
	assert.Empty(t, h.invoked)
	assert.Equal(t, map[string]domain.Status{"default:publish/document": domain.StatusCompleted}, h.statuses(t, "run-skip"))
}

func TestRunTask_UnknownTask(t *testing.T) {
	h := newHarness(t)
	h.save(t, startConfig())

	_, err := h.orch.RunTask(context.Background(), domain.TaskParameters{
		RunID:         "r1",
		PipelineScope: "default",
		PipelineKey:   "start",
		TaskConfig:    domain.TaskConfig{ID: "gone"},
	})
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestPageNumber(t *testing.T) {
	tests := []struct {
		item any
		want int
		ok   bool
	}{
		{map[string]any{"page_number": 3}, 3, true},
		{map[string]any{"page_number": float64(4)}, 4, true},
		{map[string]any{"page_number": json.Number("5")}, 5, true},
		{map[string]any{"page": 1}, 0, false},
		{"page-1", 0, false},
	}

	for _, tt := range tests {
		got, ok := pageNumber(tt.item)
		assert.Equal(t, tt.ok, ok, "%v", tt.item)
		assert.Equal(t, tt.want, got, "%v", tt.item)
	}
}
