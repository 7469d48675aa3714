package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/store"
)

var (
	ledgerProject string
	ledgerLimit   int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and undo ingestion batches",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion batches, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		logs, err := st.ListIngestionLogs(ctx, ledgerProject, ledgerLimit)
		if err != nil {
			return eris.Wrap(err, "list ingestion logs")
		}
		return printJSON(logs)
	},
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <log-id>",
	Short: "Show one ingestion batch with its per-expert entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		log, err := st.GetIngestionLog(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get ingestion log")
		}
		return printJSON(log)
	},
}

var ledgerUndoCmd = &cobra.Command{
	Use:   "undo <log-id>",
	Short: "Undo one ingestion batch by deleting the experts it added",
	Long:  "Compensating undo: deletes the experts the batch created and marks the batch undone. Refuses when a later batch touched any of those experts. Updates and merges are never reversed; use experts delete for those.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := store.UndoBatch(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "undo batch")
		}

		zap.L().Info("batch undone",
			zap.String("log_id", result.LogID),
			zap.Int("experts_deleted", len(result.Deleted)))
		return printJSON(result)
	},
}

func init() {
	ledgerListCmd.Flags().StringVar(&ledgerProject, "project", "", "project ID (required)")
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "max batches to list (0 for all)")
	_ = ledgerListCmd.MarkFlagRequired("project")

	ledgerCmd.AddCommand(ledgerListCmd, ledgerShowCmd, ledgerUndoCmd)
	rootCmd.AddCommand(ledgerCmd)
}
