package api

import (
	"net/http"
)

// CreateJob обрабатывает POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := h.decode(w, r, &req); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	job, err := h.tracker.CreateJob(r.Context(), req.Job())
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Created(w, job)
}

// GetJob обрабатывает GET /v1/jobs/{run_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.tracker.GetJob(r.Context(), r.PathValue("run_id"))
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, job)
}

// UpdateJob обрабатывает PUT /v1/jobs/{run_id}.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := h.decode(w, r, &req); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	job := req.Job()
	job.RunID = r.PathValue("run_id")

	updated, err := h.tracker.UpdateJob(r.Context(), job)
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, updated)
}

// DeleteJob обрабатывает DELETE /v1/jobs/{run_id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.DeleteJob(r.Context(), r.PathValue("run_id")); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// ListPipelines обрабатывает GET /v1/jobs/{job_id}/pipelines.
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	summary, err := h.tracker.ListPipelines(r.Context(), r.PathValue("job_id"))
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, summary)
}

// UpdatePipelineStatus обрабатывает POST /v1/jobs/{job_id}/pipelines/{pipeline_id}/status.
func (h *Handler) UpdatePipelineStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := h.decode(w, r, &req); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	res, err := h.tracker.UpdatePipelineStatus(r.Context(), r.PathValue("job_id"), r.PathValue("pipeline_id"), req.Update())
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, StatusResponse{
		Status:     res.Status,
		Previous:   res.Previous,
		First:      res.First,
		JobCreated: res.JobCreated,
		Unchanged:  res.Unchanged,
	})
}
