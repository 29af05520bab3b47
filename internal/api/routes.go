package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
		Auth(h.verifier, h.logger),
	)

	// Pipelines
	mux.Handle("POST /pipeline/{scope}/{pipeline_key}/start", chain(http.HandlerFunc(h.StartPipeline)))
	mux.Handle("POST /pipeline/{scope}/{pipeline_key}/tasks/{task_id}/run", chain(http.HandlerFunc(h.RunTask)))

	// Jobs
	mux.Handle("POST /v1/jobs", chain(http.HandlerFunc(h.CreateJob)))
	mux.Handle("POST /v1/jobs/{$}", chain(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /v1/jobs/{run_id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("PUT /v1/jobs/{run_id}", chain(http.HandlerFunc(h.UpdateJob)))
	mux.Handle("DELETE /v1/jobs/{run_id}", chain(http.HandlerFunc(h.DeleteJob)))
	mux.Handle("GET /v1/jobs/{job_id}/pipelines", chain(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("POST /v1/jobs/{job_id}/pipelines/{pipeline_id}/status", chain(http.HandlerFunc(h.UpdatePipelineStatus)))

	// Pipeline configs
	mux.Handle("GET /config/pipelines", chain(http.HandlerFunc(h.ListConfigs)))
	mux.Handle("POST /config/pipelines", chain(http.HandlerFunc(h.SaveConfig)))
	mux.Handle("GET /config/pipelines/{pipeline_id}", chain(http.HandlerFunc(h.GetConfigByID)))
	mux.Handle("POST /config/pipelines/{pipeline_id}", chain(http.HandlerFunc(h.SaveConfigByID)))
	mux.Handle("DELETE /config/pipelines/{pipeline_id}", chain(http.HandlerFunc(h.ArchiveConfigByID)))
	mux.Handle("GET /config/pipelines/{scope}/{pipeline_key}", chain(http.HandlerFunc(h.GetConfig)))
	mux.Handle("POST /config/pipelines/{scope}/{pipeline_key}", chain(http.HandlerFunc(h.SaveConfigByScopeKey)))
	mux.Handle("DELETE /config/pipelines/{scope}/{pipeline_key}", chain(http.HandlerFunc(h.ArchiveConfig)))
}
