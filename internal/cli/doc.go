// Package cli реализует инструмент командной строки Conveyor.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты системы:
// типы ответов дублируются в client.go.
//
// # Client
//
// HTTP-клиент для API. Ответы — объекты без обёртки, списки — {data, total},
// ошибки — {error: {code, message}} (APIError).
//
//	client := cli.NewClient("http://localhost:8080", token)
//	summary, err := client.ListPipelines(runID)
//
// # Output
//
// Форматы вывода: таблица (text/tabwriter, по умолчанию), JSON и YAML
// (флаг -o). Данные выводятся в stdout, сообщения — в stderr:
//
//	conveyor job pipelines 01J... -o json | jq .status
//
// # Commands
//
//   - pipeline: start
//   - job: create, show, pipelines, status, delete
//   - config: list, show, apply, delete
//
// config apply принимает YAML или JSON документ.
package cli
