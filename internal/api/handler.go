package api

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/shaiso/Conveyor/internal/auth"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/tracking"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	configs  repo.ConfigStore
	orch     *orchestrator.Orchestrator
	tracker  *tracking.Tracker
	verifier auth.Verifier
	validate *validator.Validate
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Configs      repo.ConfigStore
	Orchestrator *orchestrator.Orchestrator
	Tracker      *tracking.Tracker

	// Verifier — проверка bearer токенов; nil отключает аутентификацию.
	Verifier auth.Verifier

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		configs:  cfg.Configs,
		orch:     cfg.Orchestrator,
		tracker:  cfg.Tracker,
		verifier: cfg.Verifier,
		validate: newValidator(),
		logger:   logger,
	}
}
