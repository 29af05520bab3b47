package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/coreos/go-oidc"
	"github.com/go-redis/redis/v8"
	"github.com/shaiso/Conveyor/internal/auth"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/invoke"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopQueue struct{ units []queue.Unit }

func (q *nopQueue) Enqueue(_ context.Context, u queue.Unit) error {
	q.units = append(q.units, u)
	return nil
}

type fakeVerifier struct{ err error }

func (v fakeVerifier) Verify(context.Context, string) (*oidc.IDToken, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &oidc.IDToken{Subject: "svc-test"}, nil
}

type server struct {
	*httptest.Server
	configs *repo.MemoryConfigRepo
	queue   *nopQueue
}

func newServer(t *testing.T, verifier auth.Verifier) *server {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	configs := repo.NewMemoryConfigRepo()
	q := &nopQueue{}
	tracker := tracking.New(tracking.Config{Store: tracking.NewRedisStore(rdb)})

	table := invoke.NewTable(nil).
		Register(domain.TaskTypeModule, invoke.InvokerFunc(func(_ context.Context, p *domain.TaskParameters) *domain.TaskResults {
			if p.TaskConfig.Params["panic"] == true {
				panic("module bug")
			}
			return domain.Succeeded(map[string]any{"page_count": 1})
		})).
		Register(domain.TaskTypeRemote, invoke.NewRemoteInvoker(invoke.RemoteInvokerConfig{}))

	orch := orchestrator.New(orchestrator.Config{
		Configs: configs,
		Invoker: table,
		Queue:   q,
		Status:  tracker,
		BaseURL: "http://conveyor.local",
	})

	h := NewHandler(Config{
		Configs:      configs,
		Orchestrator: orch,
		Tracker:      tracker,
		Verifier:     verifier,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &server{Server: srv, configs: configs, queue: q}
}

func (s *server) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}

	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *server) saveConfig(t *testing.T, cfg *domain.PipelineConfig) {
	t.Helper()
	_, err := s.configs.CreateOrUpdate(context.Background(), cfg)
	require.NoError(t, err)
}

func startConfig() *domain.PipelineConfig {
	return &domain.PipelineConfig{
		Scope:   "default",
		Key:     "start",
		Version: "1.0.0",
		Tasks: []domain.TaskConfig{
			domain.NewTask("SPLIT_PAGES", domain.ModuleSpec{Name: "split_pages"}),
			domain.NewTask("done", domain.ModuleSpec{Name: "noop"}),
		},
	}
}

// --- Pipeline Tests ---

func TestStartPipeline(t *testing.T) {
	s := newServer(t, nil)
	s.saveConfig(t, startConfig())

	var params domain.PipelineParameters
	code := s.do(t, http.MethodPost, "/pipeline/default/start/start", map[string]any{
		"app_id": "hhh", "tenant_id": "t1", "patient_id": "p1", "document_id": "d1",
	}, &params)
	require.Equal(t, http.StatusOK, code)

	_, ok := domain.RunIDTime(params.RunID)
	assert.True(t, ok)
	assert.Equal(t, "d1", params.DocumentID)

	var summary domain.RunSummary
	code = s.do(t, http.MethodGet, "/v1/jobs/"+params.RunID+"/pipelines", nil, &summary)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.StatusInProgress, summary.Status)
	assert.Equal(t, []string{"default:start"}, summary.PipelineIDs)
	require.Len(t, s.queue.units, 1)
}

func TestStartPipeline_Errors(t *testing.T) {
	s := newServer(t, nil)
	s.saveConfig(t, &domain.PipelineConfig{Scope: "default", Key: "empty", Version: "1.0.0"})

	var errResp ErrorResponse
	code := s.do(t, http.MethodPost, "/pipeline/default/missing/start", map[string]any{}, &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrCodeNotFound, errResp.Error.Code)

	code = s.do(t, http.MethodPost, "/pipeline/default/empty/start", map[string]any{}, &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, errResp.Error.Message, "must define at least one task")

	code = s.do(t, http.MethodPost, "/pipeline/default/empty/start", "{not json", &errResp)
	assert.Equal(t, http.StatusBadRequest, code)

	code = s.do(t, http.MethodPost, "/pipeline/default/empty/start", map[string]any{"page_number": -1}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Error.Message, "page_number")
}

func TestRunTask_RemoteServerErrorMarksFailed(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer remote.Close()

	s := newServer(t, nil)
	s.saveConfig(t, &domain.PipelineConfig{
		Scope:   "default",
		Key:     "enrich",
		Version: "1.0.0",
		Tasks:   []domain.TaskConfig{domain.NewTask("call", domain.RemoteSpec{URL: remote.URL})},
	})

	code := s.do(t, http.MethodPost, "/v1/jobs/r1/pipelines/default:sibling/status",
		map[string]any{"status": "IN_PROGRESS"}, nil)
	require.Equal(t, http.StatusOK, code)

	var hop orchestrator.HopResult
	code = s.do(t, http.MethodPost, "/pipeline/default/enrich/tasks/call/run",
		map[string]any{"run_id": "r1", "document_id": "d1"}, &hop)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, hop.Results.Success)
	assert.Equal(t, invoke.ErrorTypeClientError, hop.Results.Metadata["error_type"])

	var summary domain.RunSummary
	s.do(t, http.MethodGet, "/v1/jobs/r1/pipelines", nil, &summary)
	assert.Equal(t, domain.StatusFailed, summary.Status)
	for _, p := range summary.Pipelines {
		if p.PipelineID == "default:sibling" {
			assert.Equal(t, domain.StatusInProgress, p.Status)
		}
	}
}

func TestRunTask_PanicIsRecovered(t *testing.T) {
	s := newServer(t, nil)
	cfg := startConfig()
	cfg.Tasks[0].Params = map[string]any{"panic": true}
	s.saveConfig(t, cfg)

	var errResp ErrorResponse
	code := s.do(t, http.MethodPost, "/pipeline/default/start/tasks/SPLIT_PAGES/run",
		map[string]any{"run_id": "r1"}, &errResp)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, ErrCodeInternalError, errResp.Error.Code)
}

// --- Job Tests ---

func TestJobLifecycle(t *testing.T) {
	s := newServer(t, nil)

	var job domain.Job
	code := s.do(t, http.MethodPost, "/v1/jobs/", map[string]any{"run_id": "job-1", "tenant_id": "t1", "pages": 2}, &job)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "job-1", job.RunID)

	code = s.do(t, http.MethodPost, "/v1/jobs", map[string]any{"run_id": "job-1"}, nil)
	assert.Equal(t, http.StatusConflict, code)

	code = s.do(t, http.MethodPut, "/v1/jobs/job-1", map[string]any{"name": "intake", "tenant_id": "t1"}, &job)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "intake", job.Name)

	code = s.do(t, http.MethodPost, "/v1/jobs/job-1/pipelines/default:start/status",
		map[string]any{"status": "IN_PROGRESS"}, nil)
	require.Equal(t, http.StatusOK, code)

	code = s.do(t, http.MethodDelete, "/v1/jobs/job-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code = s.do(t, http.MethodGet, "/v1/jobs/job-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code = s.do(t, http.MethodGet, "/v1/jobs/job-1/pipelines", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code = s.do(t, http.MethodDelete, "/v1/jobs/job-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUpdatePipelineStatus_AutoCreatesJob(t *testing.T) {
	s := newServer(t, nil)

	var res StatusResponse
	code := s.do(t, http.MethodPost, "/v1/jobs/run123/pipelines/default:start/status", map[string]any{
		"status": "IN_PROGRESS", "app_id": "hhh", "tenant_id": "t1", "patient_id": "p1", "document_id": "d1",
	}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.JobCreated)
	assert.True(t, res.First)

	var job domain.Job
	code = s.do(t, http.MethodGet, "/v1/jobs/run123", nil, &job)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hhh", job.AppID)
	assert.Equal(t, "d1", job.DocumentID)
}

func TestUpdatePipelineStatus_Errors(t *testing.T) {
	s := newServer(t, nil)
	path := "/v1/jobs/r1/pipelines/default:start/status"

	code := s.do(t, http.MethodPost, path, map[string]any{"status": "DONE"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = s.do(t, http.MethodPost, path, map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, map[string]any{"status": "COMPLETED"}, nil))

	var res StatusResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, map[string]any{"status": "COMPLETED"}, &res))
	assert.True(t, res.Unchanged)

	code = s.do(t, http.MethodPost, path, map[string]any{"status": "FAILED"}, nil)
	assert.Equal(t, http.StatusConflict, code)
}

// --- Config Tests ---

func TestConfigCRUD(t *testing.T) {
	s := newServer(t, nil)

	body := map[string]any{
		"scope":   "default",
		"key":     "start",
		"version": "1.0.0",
		"labels":  []string{"intake", "pdf"},
		"app_id":  "hhh",
		"tasks": []any{
			map[string]any{"id": "split", "type": "MODULE", "module": map[string]any{"name": "split_pages"}},
		},
	}

	var created repo.WriteResult
	code := s.do(t, http.MethodPost, "/config/pipelines", body, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, repo.OperationCreated, created.Operation)
	firstID := created.Config.ID

	body["version"] = "1.1.0"
	var updated repo.WriteResult
	code = s.do(t, http.MethodPost, "/config/pipelines/default/start", body, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, repo.OperationUpdated, updated.Operation)
	assert.Equal(t, firstID, updated.ArchivedConfigID)

	var cfg domain.PipelineConfig
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/config/pipelines/default/start", nil, &cfg))
	assert.Equal(t, "1.1.0", cfg.Version)
	assert.True(t, cfg.Active)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/config/pipelines/"+firstID, nil, &cfg))
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.False(t, cfg.Active)

	var list struct {
		Data  []domain.PipelineConfig `json:"data"`
		Total int                     `json:"total"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/config/pipelines?labels=intake,pdf&app_id=hhh", nil, &list))
	assert.Equal(t, 1, list.Total)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/config/pipelines?labels=intake&labels=fax", nil, &list))
	assert.Equal(t, 0, list.Total)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/config/pipelines/default/start", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/config/pipelines/default/start", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/config/pipelines/default/start", nil, nil))
}

func TestConfigValidation(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"no tasks", map[string]any{"key": "k", "version": "1.0.0", "tasks": []any{}}},
		{"bad version", map[string]any{"key": "k", "version": "one", "tasks": []any{
			map[string]any{"id": "a", "type": "MODULE", "module": map[string]any{"name": "noop"}},
		}}},
		{"variant mismatch", map[string]any{"key": "k", "tasks": []any{
			map[string]any{"id": "a", "type": "MODULE", "remote": map[string]any{"url": "http://x"}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			code := s.do(t, http.MethodPost, "/config/pipelines", tt.body, &errResp)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, ErrCodeBadRequest, errResp.Error.Code)
		})
	}
}

// --- Auth Tests ---

func TestAuth(t *testing.T) {
	rejecting := newServer(t, fakeVerifier{err: errors.New("expired")})
	var errResp ErrorResponse
	code := rejecting.do(t, http.MethodGet, "/v1/jobs/r1", nil, &errResp)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, ErrCodeUnauthorized, errResp.Error.Code)

	accepting := newServer(t, fakeVerifier{})
	code = accepting.do(t, http.MethodGet, "/v1/jobs/r1", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}
