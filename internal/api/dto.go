package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shaiso/Conveyor/internal/domain"
)

// maxBodyBytes — ограничение размера тела запроса.
const maxBodyBytes = 10 << 20

// errInvalidBody — тело запроса не является корректным JSON.
var errInvalidBody = errors.New("invalid JSON body")

func newValidator() *validator.Validate {
	v := validator.New()

	// В сообщениях об ошибках используем имена JSON полей
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("pipeline_status", func(fl validator.FieldLevel) bool {
		return domain.Status(fl.Field().String()).IsValid()
	})
	return v
}

// decode читает JSON тело запроса и валидирует его.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return h.validate.Struct(dst)
}

// Pipeline DTOs

// StartPipelineRequest — запрос на запуск pipeline.
type StartPipelineRequest struct {
	AppID      string           `json:"app_id" validate:"max=256"`
	TenantID   string           `json:"tenant_id" validate:"max=256"`
	PatientID  string           `json:"patient_id" validate:"max=256"`
	DocumentID string           `json:"document_id" validate:"max=256"`
	PageNumber *int             `json:"page_number,omitempty" validate:"omitempty,gte=0"`
	Branch     string           `json:"branch,omitempty" validate:"omitempty,max=256,printascii,excludes=:"`
	RunID      string           `json:"run_id,omitempty" validate:"omitempty,max=128,printascii,excludes=:"`
	Subject    string           `json:"subject,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
	Entities   []map[string]any `json:"entities,omitempty"`
}

// Params конвертирует запрос в domain.PipelineParameters.
func (r StartPipelineRequest) Params() domain.PipelineParameters {
	return domain.PipelineParameters{
		AppID:      r.AppID,
		TenantID:   r.TenantID,
		PatientID:  r.PatientID,
		DocumentID: r.DocumentID,
		PageNumber: r.PageNumber,
		Branch:     r.Branch,
		RunID:      r.RunID,
		Subject:    r.Subject,
		Context:    r.Context,
		Entities:   r.Entities,
	}
}

// Job DTOs

// JobRequest — запрос на создание или обновление job.
type JobRequest struct {
	RunID      string         `json:"run_id,omitempty" validate:"omitempty,max=128,printascii,excludes=:"`
	AppID      string         `json:"app_id,omitempty" validate:"max=256"`
	TenantID   string         `json:"tenant_id,omitempty" validate:"max=256"`
	PatientID  string         `json:"patient_id,omitempty" validate:"max=256"`
	DocumentID string         `json:"document_id,omitempty" validate:"max=256"`
	Name       string         `json:"name,omitempty" validate:"max=256"`
	Pages      int            `json:"pages,omitempty" validate:"gte=0"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Job конвертирует запрос в domain.Job.
func (r JobRequest) Job() *domain.Job {
	return &domain.Job{
		RunID:      r.RunID,
		AppID:      r.AppID,
		TenantID:   r.TenantID,
		PatientID:  r.PatientID,
		DocumentID: r.DocumentID,
		Name:       r.Name,
		Pages:      r.Pages,
		Metadata:   r.Metadata,
	}
}

// StatusRequest — запрос на обновление статуса pipeline.
type StatusRequest struct {
	Status     string         `json:"status" validate:"required,pipeline_status"`
	PageNumber *int           `json:"page_number,omitempty" validate:"omitempty,gte=0"`
	Branch     string         `json:"branch,omitempty" validate:"omitempty,max=256,printascii,excludes=:"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	AppID      string `json:"app_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Pages      int    `json:"pages,omitempty" validate:"gte=0"`
}

// Update конвертирует запрос в domain.StatusUpdate.
func (r StatusRequest) Update() domain.StatusUpdate {
	return domain.StatusUpdate{
		Status:     domain.Status(r.Status),
		PageNumber: r.PageNumber,
		Branch:     r.Branch,
		Metadata:   r.Metadata,
		AppID:      r.AppID,
		TenantID:   r.TenantID,
		PatientID:  r.PatientID,
		DocumentID: r.DocumentID,
		Name:       r.Name,
		Pages:      r.Pages,
	}
}

// StatusResponse — результат записи статуса.
type StatusResponse struct {
	Status     *domain.PipelineStatus `json:"status"`
	Previous   domain.Status          `json:"previous_status,omitempty"`
	First      bool                   `json:"first"`
	JobCreated bool                   `json:"job_created"`
	Unchanged  bool                   `json:"unchanged"`
}
