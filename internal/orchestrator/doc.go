// Package orchestrator выполняет pipelines по одному шагу за раз.
//
// Каждый шаг (hop) — отдельный HTTP запрос:
//   - Start: разрешает конфигурацию, генерирует run_id и выполняет первую задачу
//   - RunTask: выполняет задачу, переданную очередью
//
// После выполнения задачи оркестратор записывает статус, применяет
// post_processing.for_each и ставит следующий шаг в очередь. Синхронного
// выполнения следующей задачи нет.
package orchestrator
