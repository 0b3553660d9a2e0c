package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/exparo/exparo/internal/auth"
	"github.com/exparo/exparo/internal/store"
)

var (
	projectsOwner       string
	projectsDescription string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Inspect and create projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		projects, err := st.ListProjects(ctx, uuid.Nil)
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		if len(projects) == 0 {
			fmt.Println("No projects found")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %-24s  api_key=%s\n", p.ID, p.Title, p.APIKey)
		}
		return nil
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a project owned by an admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if projectsOwner == "" {
			return fmt.Errorf("--owner is required")
		}
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()

		owner, err := st.GetAdminUserByEmail(ctx, projectsOwner)
		if err != nil {
			return fmt.Errorf("look up owner %s: %w", projectsOwner, err)
		}
		apiKey, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		project, err := st.CreateProject(ctx, store.Project{
			OwnerID:     owner.ID,
			APIKey:      apiKey,
			Title:       args[0],
			Description: projectsDescription,
		})
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		fmt.Printf("Created project %s (%s) api_key=%s\n", project.Title, project.ID, project.APIKey)
		return nil
	},
}

func init() {
	projectsCreateCmd.Flags().StringVar(&projectsOwner, "owner", "", "Email of the owning admin user")
	projectsCreateCmd.Flags().StringVar(&projectsDescription, "description", "", "Project description")
	projectsCmd.AddCommand(projectsListCmd, projectsCreateCmd)
	rootCmd.AddCommand(projectsCmd)
}
