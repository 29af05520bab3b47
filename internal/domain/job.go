package domain

import (
	"strconv"
	"time"
)

// DocumentPageKey — ключ записи статуса уровня документа (page_number == nil).
const DocumentPageKey = "document"

// Job — корневая единица отслеживаемой работы, ключ — run_id.
type Job struct {
	RunID      string         `json:"run_id"`
	AppID      string         `json:"app_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	PatientID  string         `json:"patient_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Pages      int            `json:"pages,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PipelineStatus — статус одного pipeline (и, опционально, страницы) внутри run.
type PipelineStatus struct {
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id"`
	Status     Status         `json:"status"`
	PageNumber *int           `json:"page_number,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	AppID      string         `json:"app_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	PatientID  string         `json:"patient_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PageKey возвращает ключ записи: "document" или "page-{n}".
func (s *PipelineStatus) PageKey() string {
	return PageKey(s.PageNumber)
}

// EntryKey возвращает ключ записи с учётом ветки fan-out.
func (s *PipelineStatus) EntryKey() string {
	return EntryKey(s.PageNumber, s.Branch)
}

// PageKey возвращает ключ записи статуса для номера страницы.
func PageKey(page *int) string {
	if page == nil {
		return DocumentPageKey
	}
	return "page-" + strconv.Itoa(*page)
}

// EntryKey возвращает ключ записи статуса: PageKey и, если задана, ветка
// через "/", например "document/item-0" или "page-2/item-1".
func EntryKey(page *int, branch string) string {
	if branch == "" {
		return PageKey(page)
	}
	return PageKey(page) + "/" + branch
}

// JoinBranch добавляет сегмент к ветке fan-out.
func JoinBranch(branch, segment string) string {
	if branch == "" {
		return segment
	}
	return branch + "/" + segment
}

// StatusUpdate — запрос на обновление статуса pipeline.
//
// Поля job используются только если Job для run_id ещё не существует.
type StatusUpdate struct {
	Status     Status         `json:"status"`
	PageNumber *int           `json:"page_number,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	AppID      string `json:"app_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Pages      int    `json:"pages,omitempty"`
}

// StatusUpdateFor строит StatusUpdate из параметров задачи.
func StatusUpdateFor(p *TaskParameters, status Status, metadata map[string]any) StatusUpdate {
	return StatusUpdate{
		Status:     status,
		PageNumber: copyInt(p.PageNumber),
		Branch:     p.Branch,
		Metadata:   metadata,
		AppID:      p.AppID,
		TenantID:   p.TenantID,
		PatientID:  p.PatientID,
		DocumentID: p.DocumentID,
	}
}

// JobFromUpdate строит Job из полей запроса на обновление статуса.
func JobFromUpdate(runID string, u StatusUpdate) *Job {
	return &Job{
		RunID:      runID,
		AppID:      u.AppID,
		TenantID:   u.TenantID,
		PatientID:  u.PatientID,
		DocumentID: u.DocumentID,
		Name:       u.Name,
		Pages:      u.Pages,
	}
}

// RunSummary — агрегированное состояние run.
type RunSummary struct {
	RunID         string           `json:"run_id"`
	Status        Status           `json:"status"`
	PipelineCount int              `json:"pipeline_count"`
	PipelineIDs   []string         `json:"pipeline_ids"`
	ElapsedTime   float64          `json:"elapsed_time"`
	Pages         int              `json:"pages,omitempty"`
	PagesSeen     int              `json:"pages_seen,omitempty"`
	Pipelines     []PipelineStatus `json:"pipelines"`
}
