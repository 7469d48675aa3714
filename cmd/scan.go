package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/scan"
	"github.com/sells-group/expert-tracker/pkg/outlook"
)

var (
	scanProject     string
	scanDomains     []string
	scanKeywords    []string
	scanRetryFailed bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the mailbox for expert-network emails and ingest them",
	Long:  "Lists recent inbox messages, filters to expert-network traffic by sender domain and keywords, and ingests each new message into the project. Failed ingestions land in the dead letter queue; --retry-failed replays them instead of scanning.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.Scan.MailboxToken == "" {
			return eris.New("mailbox access token is required (EXPERT_SCAN_MAILBOX_TOKEN)")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := []outlook.Option{}
		if cfg.Scan.MailboxBaseURL != "" {
			opts = append(opts, outlook.WithBaseURL(cfg.Scan.MailboxBaseURL))
		}
		mailbox := &scan.GraphMailbox{Client: outlook.NewClient(cfg.Scan.MailboxToken, opts...)}

		scanner := scan.New(env.Store, env.Recon, mailbox, scan.Config{
			MaxMessages:    cfg.Scan.MaxMessages,
			RatePerSecond:  cfg.Scan.RatePerSecond,
			LookbackDays:   cfg.Scan.LookbackDays,
			AllowedDomains: scanDomains,
			Keywords:       scanKeywords,
		})

		if scanRetryFailed {
			result, err := scanner.RetryFailed(ctx, scanProject)
			if err != nil {
				return eris.Wrap(err, "retry failed ingestions")
			}
			return printJSON(result)
		}

		progress, err := scanner.Scan(ctx, scanProject)
		if err != nil {
			return eris.Wrap(err, "scan mailbox")
		}

		zap.L().Info("mailbox scan complete",
			zap.String("project_id", scanProject),
			zap.Int("scanned", progress.Scanned),
			zap.Int("ingested", progress.Ingested),
			zap.Int("failed", progress.Failed))
		return printJSON(progress)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanProject, "project", "", "project ID (required)")
	scanCmd.Flags().StringSliceVar(&scanDomains, "domains", nil, "additional allowed sender domains")
	scanCmd.Flags().StringSliceVar(&scanKeywords, "keywords", nil, "override relevance keywords")
	scanCmd.Flags().BoolVar(&scanRetryFailed, "retry-failed", false, "replay due dead letter entries instead of scanning")
	_ = scanCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(scanCmd)
}
