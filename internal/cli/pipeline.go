package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewPipelineCmd создаёт группу команд для запуска pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run pipelines",
	}

	cmd.AddCommand(newPipelineStartCmd(clientFn, outputFn))
	return cmd
}

func newPipelineStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		req         StartPipelineRequest
		page        int
		contextJSON string
	)

	cmd := &cobra.Command{
		Use:   "start SCOPE KEY",
		Short: "Start a pipeline run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if cmd.Flags().Changed("page") {
				req.PageNumber = &page
			}
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &req.Context); err != nil {
					return fmt.Errorf("invalid --context: %w", err)
				}
			}

			params, err := client.StartPipeline(args[0], args[1], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pipeline started: %s:%s run %s", args[0], args[1], params.RunID))
			out.Print(
				[]string{"RUN_ID", "APP", "TENANT", "PATIENT", "DOCUMENT"},
				[][]string{{params.RunID, dash(params.AppID), dash(params.TenantID), dash(params.PatientID), dash(params.DocumentID)}},
				params,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.AppID, "app-id", "", "Application ID")
	cmd.Flags().StringVar(&req.TenantID, "tenant-id", "", "Tenant ID")
	cmd.Flags().StringVar(&req.PatientID, "patient-id", "", "Patient ID")
	cmd.Flags().StringVar(&req.DocumentID, "document-id", "", "Document ID")
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "Run ID (generated if empty)")
	cmd.Flags().IntVar(&page, "page", 0, "Page number")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Initial context as JSON object")

	return cmd
}
