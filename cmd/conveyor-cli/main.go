// Conveyor CLI — инструмент командной строки для запуска pipelines,
// просмотра jobs и управления конфигурациями через HTTP API.
//
// Использование:
//
//	conveyor [--api-url URL] [--token TOKEN] [-o table|json|yaml] <command> <subcommand> [flags]
//
// Команды:
//
//	pipeline  Запуск pipelines
//	job       Jobs и статусы pipelines
//	config    Конфигурации pipelines
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Conveyor/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
