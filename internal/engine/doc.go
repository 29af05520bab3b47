// Package engine содержит правила конфигурации pipeline.
//
// Включает:
//   - validate.go — валидация PipelineConfig перед записью
//   - template.go — рендеринг Go templates ({{ .Params.x }}) для prompt, remote и callback задач
//
// Engine не выполняет задачи: он отвечает за то, чтобы конфигурация
// была корректной, а параметры задачи подставлялись детерминированно.
package engine
