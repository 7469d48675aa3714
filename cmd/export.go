package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/expert-tracker/internal/export"
)

var (
	exportProject string
	exportFormat  string
	exportOut     string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a project roster to CSV or XLSX",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		experts, err := st.ListExperts(ctx, exportProject)
		if err != nil {
			return eris.Wrap(err, "list experts")
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close()
			out = f
		}

		switch exportFormat {
		case "csv":
			err = export.WriteCSV(out, experts)
		case "xlsx":
			if exportOut == "" {
				return eris.New("xlsx export requires --out")
			}
			err = export.WriteXLSX(out, experts)
		default:
			return eris.Errorf("unsupported export format: %s", exportFormat)
		}
		if err != nil {
			return eris.Wrap(err, "write export")
		}

		zap.L().Info("roster exported",
			zap.String("project_id", exportProject),
			zap.String("format", exportFormat),
			zap.Int("experts", len(experts)))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportProject, "project", "", "project ID (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or xlsx")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout for csv)")
	_ = exportCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(exportCmd)
}
