package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, list, show and delete projects",
	}

	var owner string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.app.projects.Create(cmd.Context(), args[0], owner)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "project owner")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			projects, err := c.app.projects.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, projects)
		},
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			p, err := c.app.projects.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a project with its rows, history and jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := c.app.projects.Delete(cmd.Context(), id); err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"deleted": id.String()})
		},
	}

	cmd.AddCommand(create, list, get, del)
	return cmd
}
