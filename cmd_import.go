package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/assay-engine/pkg/models"
	"github.com/ekaya-inc/assay-engine/pkg/services"
)

// jobFlags run a command as a background job instead of inline.
type jobFlags struct {
	asJob       bool
	operationID string
	wait        bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.asJob, "job", false, "run as a background job")
	cmd.Flags().StringVar(&f.operationID, "operation-id", "", "idempotency key for --job; generated when empty")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "with --job, wait for the job to finish")
}

// submit schedules a job and prints it, after completion when --wait is set.
// Jobs left unfinished when the command exits are resumed by serve.
func (c *cli) submit(cmd *cobra.Command, f *jobFlags, projectID uuid.UUID, kind models.JobKind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	job, err := c.app.jobs.Submit(cmd.Context(), projectID, kind, f.operationID, data)
	if err != nil {
		return err
	}
	if f.wait {
		if err := c.app.jobs.Wait(cmd.Context()); err != nil {
			return err
		}
		if job, err = c.app.jobs.Get(cmd.Context(), job.ID); err != nil {
			return err
		}
	}
	return printJSON(cmd, job)
}

func (c *cli) importCmd() *cobra.Command {
	var jf jobFlags
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import rows from a JSON array of {label, columns}",
		Long: `Appends rows after the project's existing rows. FILE is a JSON array of
objects with a label and a columns object; "-" reads stdin. Numeric column
values are stored as numbers, everything else as text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var rows []services.ImportRow
			if err := json.Unmarshal(data, &rows); err != nil {
				return fmt.Errorf("parse rows: %w", err)
			}

			if jf.asJob {
				return c.submit(cmd, &jf, projectID, models.JobKindImport,
					services.ImportJobPayload{Rows: rows, Tag: c.tag})
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.corrections.ImportRows(cmd.Context(), projectID, rows, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	addWriteFlags(cmd, c)
	jf.register(cmd)
	return cmd
}

func (c *cli) rowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Inspect and delete project rows",
	}

	var cfg services.EmptyRowConfig
	var policy string
	empty := &cobra.Command{
		Use:   "empty",
		Short: "Find rows whose element values fall below a percent of the column average",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			cfg.Policy = services.EmptyRowPolicy(policy)
			report, err := c.app.corrections.FindEmptyRows(cmd.Context(), projectID, cfg)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	empty.Flags().StringSliceVar(&cfg.Elements, "elements", nil, "elements to check (default all)")
	empty.Flags().Float64Var(&cfg.ThresholdPercent, "threshold", services.DefaultEmptyRowThreshold, "percent of the column average")
	empty.Flags().StringVar(&policy, "policy", string(services.EmptyRowPolicyAll), "all or any checked element must be below")

	del := &cobra.Command{
		Use:   "delete ROW_ID...",
		Short: "Delete rows by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(args))
			for _, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid row id %q: %w", a, err)
				}
				ids = append(ids, id)
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.corrections.DeleteRows(cmd.Context(), projectID, ids, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	addWriteFlags(del, c)

	cmd.AddCommand(empty, del)
	return cmd
}
