package api

import (
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// StartPipeline обрабатывает POST /pipeline/{scope}/{pipeline_key}/start.
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	var req StartPipelineRequest
	if err := h.decode(w, r, &req); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	params, err := h.orch.Start(r.Context(), r.PathValue("scope"), r.PathValue("pipeline_key"), req.Params())
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, params)
}

// RunTask обрабатывает POST /pipeline/{scope}/{pipeline_key}/tasks/{task_id}/run.
//
// Вызывается очередью; scope, key и task_id берутся из пути.
func (h *Handler) RunTask(w http.ResponseWriter, r *http.Request) {
	var tp domain.TaskParameters
	if err := h.decode(w, r, &tp); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	tp.PipelineScope = r.PathValue("scope")
	tp.PipelineKey = r.PathValue("pipeline_key")
	tp.TaskConfig.ID = r.PathValue("task_id")

	hop, err := h.orch.RunTask(r.Context(), tp)
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, hop)
}
