package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

// NewRootCmd создаёт корневую команду conveyor со всеми группами.
func NewRootCmd(version string) *cobra.Command {
	var (
		apiURL     string
		token      string
		format     string
		jsonOutput bool
	)

	root := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI: pipelines, jobs and pipeline configs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				format = FormatJSON
			}
			return ValidFormat(format)
		},
	}

	apiDefault := os.Getenv("CONVEYOR_API_URL")
	if apiDefault == "" {
		apiDefault = defaultAPIURL
	}

	root.PersistentFlags().StringVar(&apiURL, "api-url", apiDefault, "API server URL (env CONVEYOR_API_URL)")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("CONVEYOR_TOKEN"), "Bearer token (env CONVEYOR_TOKEN)")
	root.PersistentFlags().StringVarP(&format, "output", "o", FormatTable, "Output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (same as -o json)")

	clientFn := func() *Client { return NewClient(apiURL, token) }
	outputFn := func() *Output { return NewOutputTo(format, root.OutOrStdout(), root.ErrOrStderr()) }

	root.AddCommand(
		NewPipelineCmd(clientFn, outputFn),
		NewJobCmd(clientFn, outputFn),
		NewConfigCmd(clientFn, outputFn),
	)

	return root
}
