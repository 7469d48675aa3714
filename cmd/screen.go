package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	screenAllProject string
	screenAllForce   bool
)

var screenCmd = &cobra.Command{
	Use:   "screen <expert-id>",
	Short: "Screen one expert against the project rubric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Screening.ScreenExpert(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "screen expert")
		}

		zap.L().Info("screening complete",
			zap.String("expert_id", args[0]),
			zap.String("grade", string(result.Grade)),
			zap.Float64("score", result.Score))

		return printJSON(result)
	},
}

var screenAllCmd = &cobra.Command{
	Use:   "screen-all",
	Short: "Screen every unscreened expert in a project",
	Long:  "Runs the screening rubric over the project roster with a bounded worker pool. Already-graded experts are skipped unless --force is set. Per-expert failures are reported in the result, never abort the run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Screening.ScreenAll(ctx, screenAllProject, screenAllForce)
		if err != nil {
			return eris.Wrap(err, "screen all")
		}

		zap.L().Info("batch screening complete",
			zap.String("project_id", screenAllProject),
			zap.Int("screened", result.Screened),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))

		return printJSON(result)
	},
}

func init() {
	screenAllCmd.Flags().StringVar(&screenAllProject, "project", "", "project ID (required)")
	screenAllCmd.Flags().BoolVar(&screenAllForce, "force", false, "re-screen already graded experts")
	_ = screenAllCmd.MarkFlagRequired("project")

	rootCmd.AddCommand(screenCmd, screenAllCmd)
}
