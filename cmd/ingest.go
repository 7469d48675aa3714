package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/recon"
)

var (
	ingestProject string
	ingestFile    string
	ingestNetwork string
	ingestEmailID string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one email into a project roster",
	Long:  "Reads email text from --file (or stdin), extracts expert candidates, and reconciles them against the project roster in a single atomic batch.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		text, err := readEmailText(ingestFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Recon.Ingest(ctx, ingestProject, text, recon.IngestOptions{
			EmailID:     ingestEmailID,
			NetworkHint: ingestNetwork,
		})
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		zap.L().Info("ingestion complete",
			zap.String("project_id", ingestProject),
			zap.Int("added", result.Added),
			zap.Int("updated", result.Updated),
			zap.Int("merged", result.Merged),
			zap.Int("needs_review", result.NeedsReview))

		return printJSON(result)
	},
}

func readEmailText(path string) (string, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return "", eris.Wrap(err, "read stdin")
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return "", eris.Wrap(err, "read email file")
		}
	}
	if len(data) == 0 {
		return "", eris.New("email text is empty")
	}
	return string(data), nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project ID (required)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "email text file (default stdin)")
	ingestCmd.Flags().StringVar(&ingestNetwork, "network", "", "network hint overriding inference (e.g. glg)")
	ingestCmd.Flags().StringVar(&ingestEmailID, "email-id", "", "source email ID (defaults to a content hash)")
	_ = ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)
}
