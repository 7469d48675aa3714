package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/model"
)

var (
	duplicatesProject string
	duplicatesStatus  string
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Review and resolve duplicate expert candidates",
}

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate candidates for a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		candidates, err := st.ListDedupeCandidates(ctx, duplicatesProject, model.DedupeStatus(duplicatesStatus))
		if err != nil {
			return eris.Wrap(err, "list duplicates")
		}
		return printJSON(candidates)
	},
}

var duplicatesSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep the roster for duplicate pairs",
	Long:  "Pairwise fuzzy sweep of the canonical roster. New pairs land as pending duplicate candidates; nothing merges without review.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		candidates, err := env.Recon.SweepDuplicates(ctx, duplicatesProject)
		if err != nil {
			return eris.Wrap(err, "sweep duplicates")
		}

		zap.L().Info("duplicate sweep complete",
			zap.String("project_id", duplicatesProject),
			zap.Int("new_candidates", len(candidates)))
		return printJSON(candidates)
	},
}

var duplicatesMergeCmd = &cobra.Command{
	Use:   "merge <candidate-id>",
	Short: "Merge a duplicate pair, keeping the better record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		merge, err := env.Recon.MergeExperts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "merge experts")
		}

		zap.L().Info("experts merged",
			zap.String("kept", merge.Kept),
			zap.String("merged", merge.Merged))
		return printJSON(merge)
	},
}

var duplicatesNotSameCmd = &cobra.Command{
	Use:   "not-same <candidate-id>",
	Short: "Dismiss a duplicate pair as distinct people",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Recon.MarkNotSame(ctx, args[0]); err != nil {
			return eris.Wrap(err, "mark not same")
		}

		zap.L().Info("candidate dismissed", zap.String("candidate_id", args[0]))
		return nil
	},
}

func init() {
	duplicatesListCmd.Flags().StringVar(&duplicatesProject, "project", "", "project ID (required)")
	duplicatesListCmd.Flags().StringVar(&duplicatesStatus, "status", "pending", "filter by status (pending, merged, not_same, empty for all)")
	_ = duplicatesListCmd.MarkFlagRequired("project")

	duplicatesSweepCmd.Flags().StringVar(&duplicatesProject, "project", "", "project ID (required)")
	_ = duplicatesSweepCmd.MarkFlagRequired("project")

	duplicatesCmd.AddCommand(duplicatesListCmd, duplicatesSweepCmd, duplicatesMergeCmd, duplicatesNotSameCmd)
	rootCmd.AddCommand(duplicatesCmd)
}
