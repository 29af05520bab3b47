package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewJobCmd создаёт группу команд для управления jobs и статусами.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs and pipeline statuses",
	}

	cmd.AddCommand(
		newJobCreateCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobPipelinesCmd(clientFn, outputFn),
		newJobStatusCmd(clientFn, outputFn),
		newJobDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"RUN_ID", "NAME", "TENANT", "DOCUMENT", "PAGES", "CREATED"}

func jobRow(j *JobResponse) []string {
	return []string{j.RunID, dash(j.Name), dash(j.TenantID), dash(j.DocumentID), strconv.Itoa(j.Pages), j.CreatedAt}
}

func newJobCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req JobRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.CreateJob(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job created: %s", job.RunID))
			out.Print(jobHeaders, [][]string{jobRow(job)}, job)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.RunID, "run-id", "", "Run ID (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Job name")
	cmd.Flags().StringVar(&req.AppID, "app-id", "", "Application ID")
	cmd.Flags().StringVar(&req.TenantID, "tenant-id", "", "Tenant ID")
	cmd.Flags().StringVar(&req.PatientID, "patient-id", "", "Patient ID")
	cmd.Flags().StringVar(&req.DocumentID, "document-id", "", "Document ID")
	cmd.Flags().IntVar(&req.Pages, "pages", 0, "Expected number of pages")
	cmd.MarkFlagRequired("run-id")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := clientFn().GetJob(args[0])
			if err != nil {
				return err
			}

			outputFn().Print(jobHeaders, [][]string{jobRow(job)}, job)
			return nil
		},
	}
}

func newJobPipelinesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines RUN_ID",
		Short: "Show pipeline statuses of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			summary, err := clientFn().ListPipelines(args[0])
			if err != nil {
				return err
			}

			headers := []string{"PIPELINE", "PAGE", "STATUS", "UPDATED"}
			rows := make([][]string, len(summary.Pipelines))
			for i, p := range summary.Pipelines {
				page := "document"
				if p.PageNumber != nil {
					page = strconv.Itoa(*p.PageNumber)
				}
				if p.Branch != "" {
					page += "/" + p.Branch
				}
				rows[i] = []string{p.PipelineID, page, p.Status, p.UpdatedAt}
			}

			out.Success(fmt.Sprintf("Run %s: %s (%d pipelines, %.1fs)",
				summary.RunID, summary.Status, summary.PipelineCount, summary.ElapsedTime))
			out.Print(headers, rows, summary)
			return nil
		},
	}
}

func newJobStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		page     int
		metadata string
	)

	cmd := &cobra.Command{
		Use:   "status RUN_ID PIPELINE_ID STATUS",
		Short: "Record a pipeline status (QUEUED, IN_PROGRESS, COMPLETED, FAILED)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			req := StatusRequest{Status: strings.ToUpper(args[2])}
			if cmd.Flags().Changed("page") {
				req.PageNumber = &page
			}
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &req.Metadata); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}

			res, err := clientFn().UpdateStatus(args[0], args[1], req)
			if err != nil {
				return err
			}

			switch {
			case res.Unchanged:
				out.Success("Status unchanged")
			case res.JobCreated:
				out.Success(fmt.Sprintf("Status recorded, job %s created", args[0]))
			default:
				out.Success("Status recorded")
			}
			out.Print(
				[]string{"PIPELINE", "STATUS", "PREVIOUS"},
				[][]string{{res.Status.PipelineID, res.Status.Status, dash(res.PreviousStatus)}},
				res,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 0, "Page number")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Metadata as JSON object")

	return cmd
}

func newJobDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete a job with all its pipeline statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteJob(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Job deleted: %s", args[0]))
			return nil
		},
	}
}
