// Package app собирает компоненты Conveyor из config.Config.
//
// Используется бинарниками cmd/: подключение к Redis и Postgres,
// выбор backend'а очереди, Tracker с webhook уведомлениями и служебный
// HTTP сервер с /healthz и /metrics.
package app
