package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// --- Response types (дублируются из domain, CLI не импортирует внутренние пакеты) ---

// PipelineParams — ответ на запуск pipeline.
type PipelineParams struct {
	RunID      string         `json:"run_id"`
	AppID      string         `json:"app_id"`
	TenantID   string         `json:"tenant_id"`
	PatientID  string         `json:"patient_id"`
	DocumentID string         `json:"document_id"`
	PageNumber *int           `json:"page_number,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// JobResponse — job из API.
type JobResponse struct {
	RunID      string         `json:"run_id"`
	AppID      string         `json:"app_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	PatientID  string         `json:"patient_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Pages      int            `json:"pages,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// PipelineStatusResponse — запись статуса pipeline.
type PipelineStatusResponse struct {
	PipelineID string         `json:"pipeline_id"`
	Status     string         `json:"status"`
	PageNumber *int           `json:"page_number,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	UpdatedAt  string         `json:"updated_at"`
}

// RunSummaryResponse — агрегированное состояние run.
type RunSummaryResponse struct {
	RunID         string                   `json:"run_id"`
	Status        string                   `json:"status"`
	PipelineCount int                      `json:"pipeline_count"`
	PipelineIDs   []string                 `json:"pipeline_ids"`
	ElapsedTime   float64                  `json:"elapsed_time"`
	Pages         int                      `json:"pages,omitempty"`
	PagesSeen     int                      `json:"pages_seen,omitempty"`
	Pipelines     []PipelineStatusResponse `json:"pipelines"`
}

// StatusResult — ответ на обновление статуса.
type StatusResult struct {
	Status         PipelineStatusResponse `json:"status"`
	PreviousStatus string                 `json:"previous_status,omitempty"`
	First          bool                   `json:"first"`
	JobCreated     bool                   `json:"job_created"`
	Unchanged      bool                   `json:"unchanged"`
}

// ConfigResponse — конфигурация pipeline из API.
//
// Tasks остаются сырым JSON: CLI не разбирает варианты задач.
type ConfigResponse struct {
	ID               string          `json:"id"`
	Scope            string          `json:"scope"`
	Key              string          `json:"key"`
	Version          string          `json:"version"`
	Name             string          `json:"name,omitempty"`
	Labels           []string        `json:"labels,omitempty"`
	AppID            string          `json:"app_id,omitempty"`
	Active           bool            `json:"active"`
	ArchivedConfigID string          `json:"archived_config_id,omitempty"`
	Tasks            json.RawMessage `json:"tasks"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

// SaveConfigResult — результат сохранения конфигурации.
type SaveConfigResult struct {
	Config           ConfigResponse `json:"config"`
	Operation        string         `json:"operation"`
	ArchivedConfigID string         `json:"archived_config_id,omitempty"`
}

// --- Request types ---

// StartPipelineRequest — запуск pipeline.
type StartPipelineRequest struct {
	AppID      string         `json:"app_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	PatientID  string         `json:"patient_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	PageNumber *int           `json:"page_number,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// JobRequest — создание job.
type JobRequest struct {
	RunID      string `json:"run_id,omitempty"`
	AppID      string `json:"app_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Pages      int    `json:"pages,omitempty"`
}

// StatusRequest — обновление статуса pipeline.
type StatusRequest struct {
	Status     string         `json:"status"`
	PageNumber *int           `json:"page_number,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ListConfigsOpts — параметры фильтрации конфигураций.
type ListConfigsOpts struct {
	Scope  string
	AppID  string
	Labels []string
}

// --- API response wrappers ---

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError — ответ API с кодом ошибки.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. Непустой token отправляется как bearer.
func NewClient(baseURL, token string) *Client {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		httpClient = oauth2.NewClient(context.Background(), src)
		httpClient.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// --- Pipelines ---

// StartPipeline запускает pipeline {scope}/{key}.
func (c *Client) StartPipeline(scope, key string, req StartPipelineRequest) (*PipelineParams, error) {
	var params PipelineParams
	err := c.post("/pipeline/"+pathEscape(scope)+"/"+pathEscape(key)+"/start", req, &params)
	return &params, err
}

// --- Jobs ---

// CreateJob создаёт job.
func (c *Client) CreateJob(req JobRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/v1/jobs", req, &job)
	return &job, err
}

// GetJob возвращает job по run_id.
func (c *Client) GetJob(runID string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/v1/jobs/"+pathEscape(runID), &job)
	return &job, err
}

// DeleteJob удаляет job вместе со статусами.
func (c *Client) DeleteJob(runID string) error {
	return c.delete("/v1/jobs/" + pathEscape(runID))
}

// ListPipelines возвращает агрегированное состояние run.
func (c *Client) ListPipelines(runID string) (*RunSummaryResponse, error) {
	var summary RunSummaryResponse
	err := c.get("/v1/jobs/"+pathEscape(runID)+"/pipelines", &summary)
	return &summary, err
}

// UpdateStatus записывает статус pipeline.
func (c *Client) UpdateStatus(runID, pipelineID string, req StatusRequest) (*StatusResult, error) {
	var res StatusResult
	err := c.post("/v1/jobs/"+pathEscape(runID)+"/pipelines/"+pathEscape(pipelineID)+"/status", req, &res)
	return &res, err
}

// --- Configs ---

// ListConfigs возвращает активные конфигурации.
func (c *Client) ListConfigs(opts ListConfigsOpts) ([]ConfigResponse, error) {
	params := url.Values{}
	if opts.Scope != "" {
		params.Set("scope", opts.Scope)
	}
	if opts.AppID != "" {
		params.Set("app_id", opts.AppID)
	}
	if len(opts.Labels) > 0 {
		params.Set("labels", strings.Join(opts.Labels, ","))
	}

	var configs []ConfigResponse
	err := c.list("/config/pipelines", params, &configs)
	return configs, err
}

// GetConfig возвращает активную конфигурацию {scope}/{key}.
func (c *Client) GetConfig(scope, key string) (*ConfigResponse, error) {
	var cfg ConfigResponse
	err := c.get("/config/pipelines/"+pathEscape(scope)+"/"+pathEscape(key), &cfg)
	return &cfg, err
}

// GetConfigByID возвращает конфигурацию по id, включая архивные.
func (c *Client) GetConfigByID(id string) (*ConfigResponse, error) {
	var cfg ConfigResponse
	err := c.get("/config/pipelines/"+pathEscape(id), &cfg)
	return &cfg, err
}

// SaveConfig создаёт или обновляет конфигурацию из JSON документа.
func (c *Client) SaveConfig(doc json.RawMessage) (*SaveConfigResult, error) {
	var res SaveConfigResult
	err := c.post("/config/pipelines", doc, &res)
	return &res, err
}

// ArchiveConfig архивирует активную конфигурацию {scope}/{key}.
func (c *Client) ArchiveConfig(scope, key string) error {
	return c.delete("/config/pipelines/" + pathEscape(scope) + "/" + pathEscape(key))
}

// --- HTTP helpers ---

func pathEscape(s string) string {
	return url.PathEscape(s)
}

func (c *Client) get(path string, result any) error {
	return c.doJSON(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doJSON(http.MethodPost, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	var lr listResponse
	if err := c.doJSON(http.MethodGet, path, nil, &lr); err != nil {
		return err
	}
	if len(lr.Data) == 0 || string(lr.Data) == "null" {
		return nil
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doJSON(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
