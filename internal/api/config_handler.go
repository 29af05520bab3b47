package api

import (
	"net/http"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ListConfigs обрабатывает GET /config/pipelines.
//
// Query параметры: scope, app_id, labels (через запятую или повторением).
func (h *Handler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var labels []string
	for _, v := range q["labels"] {
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
	}

	configs, err := h.configs.List(r.Context(), repo.ConfigFilter{
		Scope:  q.Get("scope"),
		AppID:  q.Get("app_id"),
		Labels: labels,
	})
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	List(w, configs, len(configs))
}

// SaveConfig обрабатывает POST /config/pipelines; scope и key берутся из тела.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.PipelineConfig
	if err := h.decode(w, r, &cfg); err != nil {
		HandleError(w, h.logger, err)
		return
	}
	h.save(w, r, &cfg)
}

// SaveConfigByScopeKey обрабатывает POST /config/pipelines/{scope}/{pipeline_key}.
func (h *Handler) SaveConfigByScopeKey(w http.ResponseWriter, r *http.Request) {
	var cfg domain.PipelineConfig
	if err := h.decode(w, r, &cfg); err != nil {
		HandleError(w, h.logger, err)
		return
	}
	cfg.Scope = r.PathValue("scope")
	cfg.Key = r.PathValue("pipeline_key")
	h.save(w, r, &cfg)
}

// SaveConfigByID обрабатывает POST /config/pipelines/{pipeline_id}:
// записывает новую версию для (scope, key) указанного документа.
func (h *Handler) SaveConfigByID(w http.ResponseWriter, r *http.Request) {
	var cfg domain.PipelineConfig
	if err := h.decode(w, r, &cfg); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	existing, err := h.configs.GetByID(r.Context(), r.PathValue("pipeline_id"))
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}
	cfg.Scope = existing.Scope
	cfg.Key = existing.Key
	h.save(w, r, &cfg)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, cfg *domain.PipelineConfig) {
	if cfg.Scope == "" {
		cfg.Scope = domain.DefaultScope
	}
	if err := engine.ValidateConfig(cfg); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	res, err := h.configs.CreateOrUpdate(r.Context(), cfg)
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	h.logger.Info("pipeline config saved",
		"pipeline_id", cfg.PipelineID(),
		"operation", res.Operation,
		"config_id", res.Config.ID,
		"archived_config_id", res.ArchivedConfigID,
	)

	if res.Operation == repo.OperationCreated {
		Created(w, res)
		return
	}
	Success(w, res)
}

// GetConfig обрабатывает GET /config/pipelines/{scope}/{pipeline_key}.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetByScopeKey(r.Context(), r.PathValue("scope"), r.PathValue("pipeline_key"))
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, cfg)
}

// GetConfigByID обрабатывает GET /config/pipelines/{pipeline_id}.
func (h *Handler) GetConfigByID(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetByID(r.Context(), r.PathValue("pipeline_id"))
	if err != nil {
		HandleError(w, h.logger, err)
		return
	}

	Success(w, cfg)
}

// ArchiveConfig обрабатывает DELETE /config/pipelines/{scope}/{pipeline_key}.
func (h *Handler) ArchiveConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.Archive(r.Context(), r.PathValue("scope"), r.PathValue("pipeline_key")); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// ArchiveConfigByID обрабатывает DELETE /config/pipelines/{pipeline_id}.
func (h *Handler) ArchiveConfigByID(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.ArchiveByID(r.Context(), r.PathValue("pipeline_id")); err != nil {
		HandleError(w, h.logger, err)
		return
	}

	NoContent(w)
}
