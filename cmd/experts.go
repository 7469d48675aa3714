package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/model"
)

var (
	expertsProject string
	expertsSet     []string
)

var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "Inspect and edit roster experts",
}

var expertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's experts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		experts, err := st.ListExperts(ctx, expertsProject)
		if err != nil {
			return eris.Wrap(err, "list experts")
		}
		return printJSON(experts)
	},
}

var expertsShowCmd = &cobra.Command{
	Use:   "show <expert-id>",
	Short: "Show one expert with sources, provenance, and edits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		expert, err := st.GetExpert(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get expert")
		}
		return printJSON(expert)
	},
}

var expertsEditCmd = &cobra.Command{
	Use:   "edit <expert-id>",
	Short: "Edit expert fields, recording a user edit per field",
	Long:  "User edits pin a field: later extractions will not overwrite it. Editable fields: name, employer, title, network, call_notes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		changes, err := parseFieldChanges(expertsSet)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpdateExpertFields(ctx, args[0], changes); err != nil {
			return eris.Wrap(err, "update expert fields")
		}

		zap.L().Info("expert edited",
			zap.String("expert_id", args[0]),
			zap.Int("fields", len(changes)))
		return nil
	},
}

var expertsStatusCmd = &cobra.Command{
	Use:   "status <expert-id> <status>",
	Short: "Set an expert's pipeline status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetExpertStatus(ctx, args[0], model.Status(args[1])); err != nil {
			return eris.Wrap(err, "set expert status")
		}

		zap.L().Info("expert status set",
			zap.String("expert_id", args[0]),
			zap.String("status", args[1]))
		return nil
	},
}

var expertsDeleteCmd = &cobra.Command{
	Use:   "delete <expert-id>...",
	Short: "Delete experts and their owned sources",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		deleted, err := st.DeleteExperts(ctx, args)
		if err != nil {
			return eris.Wrap(err, "delete experts")
		}

		zap.L().Info("experts deleted", zap.Int("count", deleted))
		return nil
	},
}

func parseFieldChanges(pairs []string) ([]model.FieldChange, error) {
	if len(pairs) == 0 {
		return nil, eris.New("at least one --set field=value is required")
	}
	changes := make([]model.FieldChange, 0, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			return nil, eris.Errorf("invalid --set %q, expected field=value", pair)
		}
		changes = append(changes, model.FieldChange{Field: field, Value: value})
	}
	return changes, nil
}

func init() {
	expertsListCmd.Flags().StringVar(&expertsProject, "project", "", "project ID (required)")
	_ = expertsListCmd.MarkFlagRequired("project")

	expertsEditCmd.Flags().StringArrayVar(&expertsSet, "set", nil, "field=value to set (repeatable)")

	expertsCmd.AddCommand(expertsListCmd, expertsShowCmd, expertsEditCmd, expertsStatusCmd, expertsDeleteCmd)
	rootCmd.AddCommand(expertsCmd)
}
