package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"delta-append/internal/domain"
)

func newHistoryCmd(app *appContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent commits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return domain.ErrValidation("--limit must not be negative")
			}
			h, err := app.openTable(cmd.Context())
			if err != nil {
				return err
			}
			commits, err := h.reader.History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), commits)
			}
			rows := make([][]string, 0, len(commits))
			for _, c := range commits {
				ts := "-"
				if !c.Timestamp.IsZero() {
					ts = c.Timestamp.Format(time.RFC3339)
				}
				rows = append(rows, []string{
					strconv.FormatInt(c.Version, 10),
					ts,
					c.Operation,
					strconv.Itoa(c.AddedFiles),
					strconv.FormatInt(c.AddedRows, 10),
					c.EngineInfo,
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"VERSION", "TIMESTAMP", "OPERATION", "FILES", "ROWS", "ENGINE"}, rows)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of commits to show (0 for all)")

	return cmd
}
