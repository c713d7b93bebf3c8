package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/content-harvester/internal/dataset"
)

// newExportTextCmd re-exports a written dataset as one text file per row.
func newExportTextCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export-text <dataset.csv>",
		Short: "Write one numbered text file per dataset row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := dataset.ReadResultsFile(args[0])
			if err != nil {
				return fmt.Errorf("read dataset: %w", err)
			}
			written, err := dataset.ExportText(outDir, results)
			if err != nil {
				return fmt.Errorf("export text: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d files to %s\n", len(written), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "dir", "d", "text", "destination directory")
	return cmd
}
