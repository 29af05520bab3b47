// Package api содержит HTTP API сервиса.
//
// Структура:
//   - handler.go          — Handler с DI (оркестратор, tracker, хранилище конфигураций)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (recovery, logging, auth)
//   - response.go         — JSON-ответы и отображение ошибок в HTTP статусы
//   - dto.go              — запросы и их валидация
//   - pipeline_handler.go — /pipeline/{scope}/{pipeline_key}/...
//   - job_handler.go      — /v1/jobs
//   - config_handler.go   — /config/pipelines
package api
