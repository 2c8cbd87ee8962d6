package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"delta-append/internal/domain"
	"delta-append/internal/service/ingestion"
	"delta-append/internal/writer"
)

func newAppendCmd(app *appContext) *cobra.Command {
	var (
		count int
		file  string
	)

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one batch of rows as a new table version",
		Long: "Appends rows to the table in a single commit.\n\n" +
			"Without --file, a batch of example weather readings is generated.\n" +
			"With --file, rows are read as JSON objects, one per line (use - for stdin).",
		Example: "  delta-append append -t ./weather\n" +
			"  delta-append append -t s3://bucket/weather --count 100\n" +
			"  cat rows.jsonl | delta-append append -t ./events --file -",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("count") && count <= 0 {
				return domain.ErrValidation("--count must be positive")
			}
			h, err := app.openTable(cmd.Context())
			if err != nil {
				return err
			}

			var res *writer.CommitResult
			if file != "" {
				rows, rerr := readRows(cmd.InOrStdin(), file)
				if rerr != nil {
					return rerr
				}
				res, err = h.service.Append(cmd.Context(), rows)
			} else {
				readings := ingestion.FetchReadings(time.Now(), count)
				rec, rerr := ingestion.ReadingsRecord(nil, readings)
				if rerr != nil {
					return rerr
				}
				defer rec.Release()
				res, err = h.service.AppendRecord(cmd.Context(), rec)
			}
			if err != nil {
				return err
			}
			return printCommitResult(cmd, res)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", ingestion.DefaultReadingCount, "Number of example readings to generate")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read rows from a JSON Lines file (- for stdin)")
	cmd.MarkFlagsMutuallyExclusive("count", "file")

	return cmd
}

// readRows decodes one JSON object per line. Numbers stay json.Number so
// integer columns keep full precision.
func readRows(stdin io.Reader, path string) ([]domain.Row, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // user-supplied path
		if err != nil {
			return nil, fmt.Errorf("open rows file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	var rows []domain.Row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var row domain.Row
		if err := dec.Decode(&row); err != nil {
			return nil, domain.ErrValidation("rows line %d: %v", line, err)
		}
		if row == nil {
			return nil, domain.ErrValidation("rows line %d: expected a JSON object", line)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, domain.ErrValidation("rows line %d: line too long", line+1)
		}
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, nil
}

func printCommitResult(cmd *cobra.Command, res *writer.CommitResult) error {
	out := cmd.OutOrStdout()
	if getOutputFormat(cmd) == "json" {
		return printJSON(out, res)
	}
	return printKV(out, [][2]string{
		{"version", strconv.FormatInt(res.Version, 10)},
		{"attempts", strconv.Itoa(res.Attempts)},
		{"records", strconv.FormatInt(res.NumRecords, 10)},
		{"files", strings.Join(res.Files, ", ")},
	})
}
