package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) undoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recent change batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.corrections.Undo(cmd.Context(), projectID, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	addWriteFlags(cmd, c)
	return cmd
}

func (c *cli) versionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions [VERSION_ID]",
		Short: "List version snapshots, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				v, err := c.app.corrections.GetVersion(cmd.Context(), projectID, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, v)
			}
			versions, err := c.app.corrections.ListVersions(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return printJSON(cmd, versions)
		},
	}
	return cmd
}

func (c *cli) checkoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkout VERSION_ID",
		Short: "Restore the rows of a version snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			versionID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			opts, err := c.writeOptions()
			if err != nil {
				return err
			}
			res, err := c.app.corrections.Checkout(cmd.Context(), projectID, versionID, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	addWriteFlags(cmd, c)
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [BATCH_ID]",
		Short: "List change batches newest first, or show one with its entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := c.projectID()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return err
				}
				batch, err := c.app.corrections.GetBatch(cmd.Context(), projectID, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, batch)
			}
			batches, err := c.app.corrections.ListBatches(cmd.Context(), projectID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, batches)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum batches to list")
	return cmd
}
