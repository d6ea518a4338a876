package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/assay-engine/pkg/models"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and inspect background jobs",
	}

	var jf jobFlags
	submit := &cobra.Command{
		Use:   "submit KIND PAYLOAD_FILE",
		Short: "Submit an import, optimize or drift_apply job with a JSON payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			job, err := c.app.jobs.Submit(cmd.Context(), projectID, models.JobKind(args[0]), jf.operationID, data)
			if err != nil {
				return err
			}
			if jf.wait {
				if err := c.app.jobs.Wait(cmd.Context()); err != nil {
					return err
				}
				if job, err = c.app.jobs.Get(cmd.Context(), job.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd, job)
		},
	}
	submit.Flags().StringVar(&jf.operationID, "operation-id", "", "idempotency key; generated when empty")
	submit.Flags().BoolVar(&jf.wait, "wait", false, "wait for the job to finish")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List a project's jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			jobs, err := c.app.jobs.List(cmd.Context(), projectID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, jobs)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")

	get := &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a job with its progress and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := c.app.jobs.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job; a running import stops after its current batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := c.app.jobs.Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, job)
		},
	}

	cmd.AddCommand(submit, list, get, cancel)
	return cmd
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return id, nil
}
