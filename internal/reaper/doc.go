// Package reaper завершает зависшие runs.
//
// Run считается зависшим, если он создан раньше now-stale_after и
// уведомление о его завершении ещё не отправлено. Для каждого такого run
// reaper помечает незавершённые записи статусов FAILED с metadata
// reason = "stale" и принудительно отправляет уведомление о завершении,
// не дожидаясь недостающих страниц.
//
// Тики выполняются по cron расписанию (robfig/cron). Несколько экземпляров
// могут работать одновременно: тик выполняет только держатель Redis lock.
package reaper
