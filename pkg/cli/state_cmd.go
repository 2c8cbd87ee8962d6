package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"delta-append/internal/domain"
)

// stateOutput is the JSON form of a table snapshot.
type stateOutput struct {
	Location         string            `json:"location"`
	Version          int64             `json:"version"`
	TableID          string            `json:"table_id"`
	Name             string            `json:"name,omitempty"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
	MinReaderVersion int32             `json:"min_reader_version"`
	MinWriterVersion int32             `json:"min_writer_version"`
	Schema           []domain.Field    `json:"schema"`
	PartitionColumns []string          `json:"partition_columns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	NumFiles         int               `json:"num_files"`
	NumRecords       int64             `json:"num_records"`
	SizeBytes        int64             `json:"size_bytes"`
	Files            []fileOutput      `json:"files,omitempty"`
}

type fileOutput struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	NumRecords int64  `json:"num_records"`
}

func newStateCmd(app *appContext) *cobra.Command {
	var (
		atVersion int64
		showFiles bool
	)

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the table state at the latest or a given version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := app.openTable(cmd.Context())
			if err != nil {
				return err
			}

			var st *domain.TableState
			if cmd.Flags().Changed("version") {
				st, err = h.reader.LoadVersion(cmd.Context(), atVersion)
			} else {
				st, err = h.reader.Load(cmd.Context())
			}
			if err != nil {
				return err
			}

			out := toStateOutput(st, showFiles)
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			return printState(cmd, out)
		},
	}

	cmd.Flags().Int64Var(&atVersion, "version", 0, "Table version to load (default latest)")
	cmd.Flags().BoolVar(&showFiles, "files", false, "List live data files")

	return cmd
}

func toStateOutput(st *domain.TableState, withFiles bool) stateOutput {
	out := stateOutput{
		Location:         st.Location,
		Version:          st.Version,
		TableID:          st.Metadata.ID,
		Name:             st.Metadata.Name,
		MinReaderVersion: st.Protocol.MinReaderVersion,
		MinWriterVersion: st.Protocol.MinWriterVersion,
		Schema:           st.Schema.Fields,
		PartitionColumns: st.Metadata.PartitionColumns,
		Configuration:    st.Metadata.Configuration,
		NumFiles:         len(st.Files),
		NumRecords:       st.NumRecords(),
		SizeBytes:        st.SizeBytes(),
	}
	if out.PartitionColumns == nil {
		out.PartitionColumns = []string{}
	}
	if t, ok := st.CreatedAt(); ok {
		out.CreatedAt = &t
	}
	if withFiles {
		for _, f := range st.Files {
			out.Files = append(out.Files, fileOutput{Path: f.Path, Size: f.Size, NumRecords: f.NumRecords()})
		}
	}
	return out
}

func printState(cmd *cobra.Command, out stateOutput) error {
	w := cmd.OutOrStdout()
	created := "-"
	if out.CreatedAt != nil {
		created = out.CreatedAt.Format(time.RFC3339)
	}
	if err := printKV(w, [][2]string{
		{"location", out.Location},
		{"version", strconv.FormatInt(out.Version, 10)},
		{"table id", out.TableID},
		{"created", created},
		{"protocol", fmt.Sprintf("reader %d, writer %d", out.MinReaderVersion, out.MinWriterVersion)},
		{"partitioned by", strings.Join(out.PartitionColumns, ", ")},
		{"files", strconv.Itoa(out.NumFiles)},
		{"records", strconv.FormatInt(out.NumRecords, 10)},
		{"size", strconv.FormatInt(out.SizeBytes, 10)},
	}); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w)
	rows := make([][]string, 0, len(out.Schema))
	for _, f := range out.Schema {
		rows = append(rows, []string{f.Name, string(f.Type), strconv.FormatBool(f.Nullable)})
	}
	if err := printTable(w, []string{"COLUMN", "TYPE", "NULLABLE"}, rows); err != nil {
		return err
	}

	if len(out.Files) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(w)
	rows = rows[:0]
	for _, f := range out.Files {
		rows = append(rows, []string{f.Path, strconv.FormatInt(f.Size, 10), strconv.FormatInt(f.NumRecords, 10)})
	}
	return printTable(w, []string{"PATH", "SIZE", "RECORDS"}, rows)
}
