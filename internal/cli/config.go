package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// NewConfigCmd создаёт группу команд для управления конфигурациями pipelines.
func NewConfigCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage pipeline configs",
	}

	cmd.AddCommand(
		newConfigListCmd(clientFn, outputFn),
		newConfigShowCmd(clientFn, outputFn),
		newConfigApplyCmd(clientFn, outputFn),
		newConfigDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

var configHeaders = []string{"ID", "PIPELINE", "VERSION", "ACTIVE", "LABELS", "UPDATED"}

func configRow(c *ConfigResponse) []string {
	return []string{
		c.ID,
		c.Scope + ":" + c.Key,
		dash(c.Version),
		strconv.FormatBool(c.Active),
		dash(strings.Join(c.Labels, ",")),
		c.UpdatedAt,
	}
}

func newConfigListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListConfigsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active pipeline configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := clientFn().ListConfigs(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(configs))
			for i := range configs {
				rows[i] = configRow(&configs[i])
			}

			outputFn().Print(configHeaders, rows, configs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "Filter by scope")
	cmd.Flags().StringVar(&opts.AppID, "app-id", "", "Filter by application ID")
	cmd.Flags().StringSliceVar(&opts.Labels, "label", nil, "Filter by label (all must match, repeatable)")

	return cmd
}

func newConfigShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "show [SCOPE KEY]",
		Short: "Show a pipeline config by scope/key or --id",
		Args: func(cmd *cobra.Command, args []string) error {
			if id != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()

			var (
				cfg *ConfigResponse
				err error
			)
			if id != "" {
				cfg, err = client.GetConfigByID(id)
			} else {
				cfg, err = client.GetConfig(args[0], args[1])
			}
			if err != nil {
				return err
			}

			outputFn().Print(configHeaders, [][]string{configRow(cfg)}, cfg)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Config document ID (includes archived)")
	return cmd
}

func newConfigApplyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a pipeline config from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			doc, err := readConfigDocument(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			res, err := clientFn().SaveConfig(doc)
			if err != nil {
				return err
			}

			msg := fmt.Sprintf("Config %s: %s:%s version %s", res.Operation, res.Config.Scope, res.Config.Key, res.Config.Version)
			if res.ArchivedConfigID != "" {
				msg += fmt.Sprintf(" (archived %s)", res.ArchivedConfigID)
			}
			out.Success(msg)
			out.Print(configHeaders, [][]string{configRow(&res.Config)}, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to config file, - for stdin (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newConfigDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete SCOPE KEY",
		Short: "Archive the active pipeline config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().ArchiveConfig(args[0], args[1]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Config archived: %s:%s", args[0], args[1]))
			return nil
		},
	}
}

// readConfigDocument читает документ конфигурации и приводит его к JSON.
//
// Документ должен быть объектом с непустым строковым key и списком tasks.
func readConfigDocument(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file is empty")
	}

	var doc map[string]any
	if json.Valid(data) {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config file must be an object: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config file is neither JSON nor YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("config file is empty")
	}
	if err := checkConfigDocument(doc); err != nil {
		return nil, err
	}

	if json.Valid(data) {
		return data, nil
	}
	return json.Marshal(doc)
}

// checkConfigDocument проверяет форму документа до отправки на сервер.
func checkConfigDocument(doc map[string]any) error {
	if key, ok := doc["key"].(string); !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("config file: key must be a non-empty string")
	}
	if _, ok := doc["tasks"].([]any); !ok {
		return fmt.Errorf("config file: tasks must be a list")
	}
	return nil
}
