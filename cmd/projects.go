package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/expert-tracker/internal/model"
)

var (
	projectName       string
	projectHypothesis string
	projectNetworks   []string
	screenerFile      string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage research projects",
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		now := time.Now().UTC()
		p := &model.Project{
			ID:         uuid.New().String(),
			Name:       projectName,
			Hypothesis: projectHypothesis,
			Networks:   projectNetworks,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if screenerFile != "" {
			sc, err := loadScreener(screenerFile)
			if err != nil {
				return err
			}
			p.Screener = sc
		}

		if err := st.CreateProject(ctx, p); err != nil {
			return eris.Wrap(err, "create project")
		}

		zap.L().Info("project created", zap.String("id", p.ID), zap.String("name", p.Name))
		return printJSON(p)
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		projects, err := st.ListProjects(ctx)
		if err != nil {
			return eris.Wrap(err, "list projects")
		}
		return printJSON(projects)
	},
}

var projectsShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show one project with its screener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get project")
		}
		return printJSON(p)
	},
}

var projectsSetScreenerCmd = &cobra.Command{
	Use:   "set-screener <project-id>",
	Short: "Replace a project's screener rubric from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := st.GetProject(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get project")
		}

		sc, err := loadScreener(screenerFile)
		if err != nil {
			return err
		}

		p.Screener = sc
		p.UpdatedAt = time.Now().UTC()
		if err := st.UpdateProject(ctx, p); err != nil {
			return eris.Wrap(err, "update project")
		}

		zap.L().Info("screener replaced",
			zap.String("project_id", p.ID),
			zap.Int("questions", len(sc.Questions)))
		return nil
	},
}

func loadScreener(path string) (*model.ScreenerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read screener file")
	}
	var sc model.ScreenerConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, eris.Wrap(err, "parse screener yaml")
	}
	if err := sc.Validate(); err != nil {
		return nil, eris.Wrap(err, "validate screener")
	}
	return &sc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	projectsCreateCmd.Flags().StringVar(&projectName, "name", "", "project name (required)")
	projectsCreateCmd.Flags().StringVar(&projectHypothesis, "hypothesis", "", "research hypothesis fed to extraction and screening")
	projectsCreateCmd.Flags().StringSliceVar(&projectNetworks, "networks", nil, "expert networks in use (e.g. alphasights,glg)")
	projectsCreateCmd.Flags().StringVar(&screenerFile, "screener", "", "screener rubric YAML file")
	_ = projectsCreateCmd.MarkFlagRequired("name")

	projectsSetScreenerCmd.Flags().StringVar(&screenerFile, "screener", "", "screener rubric YAML file (required)")
	_ = projectsSetScreenerCmd.MarkFlagRequired("screener")

	projectsCmd.AddCommand(projectsCreateCmd, projectsListCmd, projectsShowCmd, projectsSetScreenerCmd)
	rootCmd.AddCommand(projectsCmd)
}
