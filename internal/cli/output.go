package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
)

// Форматы вывода.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	format string
	w      io.Writer // stdout для данных
	errW   io.Writer // stderr для сообщений
}

// NewOutput создаёт Output в stdout/stderr.
func NewOutput(format string) *Output {
	return NewOutputTo(format, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными writer'ами.
// Неизвестный формат выводится таблицей.
func NewOutputTo(format string, w, errW io.Writer) *Output {
	switch format {
	case FormatJSON, FormatYAML:
	default:
		format = FormatTable
	}
	return &Output{format: format, w: w, errW: errW}
}

// ValidFormat проверяет значение флага --output.
func ValidFormat(format string) error {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
}

// Print выводит данные: таблицу, JSON или YAML в зависимости от формата.
func (o *Output) Print(headers []string, rows [][]string, data any) {
	switch o.format {
	case FormatJSON:
		o.JSON(data)
	case FormatYAML:
		o.YAML(data)
	default:
		o.Table(headers, rows)
	}
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// YAML выводит данные в YAML. Ключи совпадают с JSON.
func (o *Output) YAML(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		o.Error(err.Error())
		return
	}
	out, err := yaml.JSONToYAML(data)
	if err != nil {
		o.Error(err.Error())
		return
	}
	o.w.Write(out)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// dash возвращает "-" для пустых значений в таблице.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
