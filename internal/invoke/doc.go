// Package invoke содержит таблицу диспетчеризации задач и Invoker'ы для
// каждого типа задачи: MODULE, PIPELINE, PROMPT, REMOTE, PUBLISH_CALLBACK.
//
// Все Invoker'ы соблюдают один контракт: Run(ctx, params) *TaskResults,
// ожидаемые ошибки превращаются в результат с Success == false и
// metadata.error_type.
package invoke
