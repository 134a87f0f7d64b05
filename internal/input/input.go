// Package input reads acronym lists from text, CSV and XLSX files.
package input

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/model"
)

// Format identifies an input file layout.
type Format string

const (
	FormatText Format = "text"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Stats describes what a load kept and dropped.
type Stats struct {
	Rows       int `json:"rows"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	BadGrades  int `json:"bad_grades"`
	Jobs       int `json:"jobs"`
}

// DetectFormat picks a format from the file extension. Unknown extensions
// are read as text.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatText
	}
}

// Load reads the file at path and returns deduplicated jobs in file order.
func Load(ctx context.Context, path string) ([]model.Job, Stats, error) {
	format := DetectFormat(path)
	if format == FormatXLSX {
		rowCh, errCh := StreamXLSX(ctx, path, XLSXOptions{})
		return collect(rowCh, errCh)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, eris.Wrapf(err, "input: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	opts := CSVOptions{}
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		opts.Delimiter = '\t'
	}
	return read(ctx, f, format, opts)
}

// Read parses r in the given format. XLSX needs random access and must go
// through Load.
func Read(ctx context.Context, r io.Reader, format Format) ([]model.Job, Stats, error) {
	if format == FormatXLSX {
		return nil, Stats{}, eris.New("input: xlsx must be read from a file")
	}
	return read(ctx, r, format, CSVOptions{})
}

func read(ctx context.Context, r io.Reader, format Format, opts CSVOptions) ([]model.Job, Stats, error) {
	var rowCh <-chan []string
	var errCh <-chan error
	switch format {
	case FormatCSV:
		opts.Comment = '#'
		opts.TrimSpace = true
		opts.LazyQuotes = true
		rowCh, errCh = StreamCSV(ctx, r, opts)
	default:
		rowCh, errCh = StreamLines(ctx, r)
	}
	return collect(rowCh, errCh)
}

// collect turns rows into jobs. Column 0 is the acronym, column 1 an
// optional grade. A leading header row is recognized by its first cell.
func collect(rowCh <-chan []string, errCh <-chan error) ([]model.Job, Stats, error) {
	var stats Stats
	var jobs []model.Job
	first := true

	for row := range rowCh {
		stats.Rows++
		token := ""
		if len(row) > 0 {
			token = strings.TrimSpace(row[0])
		}
		if token == "" || strings.HasPrefix(token, "#") {
			stats.Skipped++
			continue
		}
		if first {
			first = false
			if isHeader(token) {
				stats.Skipped++
				continue
			}
		}

		job := model.Job{Token: token}
		if len(row) > 1 {
			if g := strings.TrimSpace(row[1]); g != "" {
				grade, err := strconv.Atoi(g)
				if err != nil {
					stats.BadGrades++
					zap.L().Warn("input: ignoring unparseable grade",
						zap.String("acronym", token),
						zap.String("grade", g),
					)
				} else {
					job.Grade = model.IntPtr(grade)
				}
			}
		}
		jobs = append(jobs, job)
	}
	if err := <-errCh; err != nil {
		return nil, stats, err
	}

	deduped := model.Dedupe(jobs)
	stats.Duplicates = len(jobs) - len(deduped)
	stats.Jobs = len(deduped)
	return deduped, stats, nil
}

func isHeader(cell string) bool {
	switch strings.ToLower(cell) {
	case "acronym", "acronyms", "token", "abbreviation":
		return true
	}
	return false
}
