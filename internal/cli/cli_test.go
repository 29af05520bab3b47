package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI — минимальная имитация Conveyor API.
type fakeAPI struct {
	t        *testing.T
	requests []*http.Request
	bodies   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/pipeline/default/start/start":
		io.WriteString(w, `{"run_id":"01JRUN","document_id":"d1","tenant_id":"t1"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs/run123":
		io.WriteString(w, `{"run_id":"run123","tenant_id":"t1","pages":2,"created_at":"2025-03-01T10:00:00Z"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs/run123/pipelines":
		io.WriteString(w, `{"run_id":"run123","status":"IN_PROGRESS","pipeline_count":1,"pipeline_ids":["default:start"],
			"pipelines":[{"pipeline_id":"default:start","status":"IN_PROGRESS","page_number":1}]}`)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs/run123/pipelines/default:start/status":
		io.WriteString(w, `{"status":{"pipeline_id":"default:start","status":"COMPLETED"},"previous_status":"IN_PROGRESS","first":false,"job_created":false,"unchanged":false}`)
	case r.Method == http.MethodDelete && r.URL.Path == "/v1/jobs/run123":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/config/pipelines":
		io.WriteString(w, `{"data":[{"id":"c1","scope":"default","key":"start","version":"1.0.0","active":true,"labels":["intake"]}],"total":1}`)
	case r.Method == http.MethodPost && r.URL.Path == "/config/pipelines":
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"config":{"id":"c2","scope":"default","key":"start","version":"1.1.0","active":true},"operation":"updated","archived_config_id":"c1"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"job not found"}}`)
	}
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{t: t}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := NewRootCmd("test")
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--api-url", srv.URL, "--token", "secret"}, args...))

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// --- Client Tests ---

func TestClient_SendsBearerToken(t *testing.T) {
	api, srv := newFakeAPI(t)

	job, err := NewClient(srv.URL+"/", "secret").GetJob("run123")
	require.NoError(t, err)
	assert.Equal(t, "run123", job.RunID)
	assert.Equal(t, 2, job.Pages)
	assert.Equal(t, "Bearer secret", api.requests[0].Header.Get("Authorization"))
}

func TestClient_APIError(t *testing.T) {
	_, srv := newFakeAPI(t)

	_, err := NewClient(srv.URL, "").GetJob("missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "NOT_FOUND: job not found", err.Error())
}

func TestClient_ListConfigsQuery(t *testing.T) {
	api, srv := newFakeAPI(t)

	configs, err := NewClient(srv.URL, "").ListConfigs(ListConfigsOpts{Scope: "default", Labels: []string{"intake", "pdf"}})
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "start", configs[0].Key)

	q := api.requests[0].URL.Query()
	assert.Equal(t, "default", q.Get("scope"))
	assert.Equal(t, "intake,pdf", q.Get("labels"))
}

// --- Command Tests ---

func TestPipelineStartCmd(t *testing.T) {
	api, srv := newFakeAPI(t)

	stdout, stderr, err := run(t, srv, "", "pipeline", "start", "default", "start",
		"--document-id", "d1", "--page", "0", "--context", `{"source":"fax"}`)
	require.NoError(t, err)
	assert.Contains(t, stderr, "run 01JRUN")
	assert.Contains(t, stdout, "01JRUN")

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.bodies[0]), &sent))
	assert.Equal(t, "d1", sent["document_id"])
	assert.Equal(t, float64(0), sent["page_number"])
	assert.Equal(t, map[string]any{"source": "fax"}, sent["context"])
}

func TestJobCmds(t *testing.T) {
	api, srv := newFakeAPI(t)

	stdout, _, err := run(t, srv, "", "job", "show", "run123", "-o", "json")
	require.NoError(t, err)
	var job JobResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &job))
	assert.Equal(t, "run123", job.RunID)

	stdout, stderr, err := run(t, srv, "", "job", "pipelines", "run123")
	require.NoError(t, err)
	assert.Contains(t, stderr, "IN_PROGRESS")
	assert.Contains(t, stdout, "default:start")

	_, stderr, err = run(t, srv, "", "job", "status", "run123", "default:start", "completed", "--metadata", `{"task_id":"done"}`)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Status recorded")
	assert.JSONEq(t, `{"status":"COMPLETED","metadata":{"task_id":"done"}}`, api.bodies[len(api.bodies)-1])

	_, stderr, err = run(t, srv, "", "job", "delete", "run123")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Job deleted: run123")

	_, _, err = run(t, srv, "", "job", "show", "nope")
	assert.EqualError(t, err, "NOT_FOUND: job not found")
}

func TestConfigApplyCmd_YAML(t *testing.T) {
	api, srv := newFakeAPI(t)

	path := filepath.Join(t.TempDir(), "start.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scope: default
key: start
version: 1.1.0
tasks:
  - id: split
    type: MODULE
    module:
      name: split_pages
`), 0o600))

	_, stderr, err := run(t, srv, "", "config", "apply", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Config updated: default:start version 1.1.0 (archived c1)")

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.bodies[0]), &sent))
	assert.Equal(t, "start", sent["key"])
	tasks := sent["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "MODULE", tasks[0].(map[string]any)["type"])
}

func TestConfigApplyCmd_JSONStdin(t *testing.T) {
	api, srv := newFakeAPI(t)

	doc := `{"scope":"default","key":"start","tasks":[]}`
	_, _, err := run(t, srv, doc, "config", "apply", "-f", "-")
	require.NoError(t, err)
	assert.JSONEq(t, doc, api.bodies[0])
}

func TestConfigListCmd_YAMLOutput(t *testing.T) {
	_, srv := newFakeAPI(t)

	stdout, _, err := run(t, srv, "", "config", "list", "--label", "intake", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "key: start")
	assert.Contains(t, stdout, "- intake")
}

func TestRootCmd_RejectsUnknownFormat(t *testing.T) {
	_, srv := newFakeAPI(t)

	_, _, err := run(t, srv, "", "config", "list", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestReadConfigDocument_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"flow sequence as key", "key: [unclosed", "key must be a non-empty string"},
		{"missing key", "scope: default\ntasks: []\n", "key must be a non-empty string"},
		{"tasks not a list", "key: start\ntasks: nope\n", "tasks must be a list"},
		{"missing tasks", `{"key":"start"}`, "tasks must be a list"},
		{"json array", `[1, 2]`, "must be an object"},
		{"empty", "", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readConfigDocument("-", strings.NewReader(tt.input))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestReadConfigDocument_YAMLToJSON(t *testing.T) {
	out, err := readConfigDocument("-", strings.NewReader("key: start\ntasks:\n  - id: a\n    type: MODULE\n"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"start","tasks":[{"id":"a","type":"MODULE"}]}`, string(out))
}
