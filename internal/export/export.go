// Package export writes enrichment results as JSONL, CSV or XLSX.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

// Format identifies an output layout.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSONL, FormatCSV, FormatXLSX:
		return f, nil
	case "json", "ndjson":
		return FormatJSONL, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// FormatForPath infers the format from a file extension, defaulting to JSONL.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatJSONL
	}
}

// Row is the flat tabular form of a result.
type Row struct {
	Acronym         string    `csv:"acronym"`
	FullName        string    `csv:"full_name"`
	Description     string    `csv:"description"`
	Context         string    `csv:"context"`
	RelatedTerms    string    `csv:"related_terms"`
	Industry        string    `csv:"industry"`
	Tags            string    `csv:"tags"`
	Grade           *int      `csv:"grade,omitempty"`
	ContentWarnings string    `csv:"content_warnings,omitempty"`
	CredentialID    string    `csv:"credential_id"`
	AttemptCount    int       `csv:"attempt_count"`
	ProcessedAt     time.Time `csv:"processed_at"`
}

// listSep joins set-valued fields in tabular output.
const listSep = "; "

// ToRow flattens r.
func ToRow(r *model.EnrichmentResult) Row {
	return Row{
		Acronym:         r.Acronym,
		FullName:        r.FullName,
		Description:     r.Description,
		Context:         r.Context,
		RelatedTerms:    strings.Join(r.RelatedTerms, listSep),
		Industry:        r.Industry,
		Tags:            strings.Join(r.Tags, listSep),
		Grade:           r.Grade,
		ContentWarnings: strings.Join(r.ContentWarnings, listSep),
		CredentialID:    r.CredentialID,
		AttemptCount:    r.AttemptCount,
		ProcessedAt:     r.ProcessedAt,
	}
}

// columns is the header order shared by CSV and XLSX.
var columns = []string{
	"acronym", "full_name", "description", "context", "related_terms", "industry",
	"tags", "grade", "content_warnings", "credential_id", "attempt_count", "processed_at",
}

// Write encodes results to w in the given format.
func Write(w io.Writer, format Format, results []*model.EnrichmentResult) error {
	switch format {
	case FormatJSONL:
		return writeJSONL(w, results)
	case FormatCSV:
		return writeCSV(w, results)
	case FormatXLSX:
		return writeXLSX(w, results)
	default:
		return eris.Errorf("export: unknown format %q", format)
	}
}

func writeJSONL(w io.Writer, results []*model.EnrichmentResult) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return eris.Wrapf(err, "export: encode %s", r.Acronym)
		}
	}
	return nil
}

func writeCSV(w io.Writer, results []*model.EnrichmentResult) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if err := enc.EncodeHeader(Row{}); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range results {
		if err := enc.Encode(ToRow(r)); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Acronym)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeXLSX(w io.Writer, results []*model.EnrichmentResult) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Acronyms")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range columns {
		header.AddCell().SetString(c)
	}

	for _, r := range results {
		row := ToRow(r)
		x := sheet.AddRow()
		x.AddCell().SetString(row.Acronym)
		x.AddCell().SetString(row.FullName)
		x.AddCell().SetString(row.Description)
		x.AddCell().SetString(row.Context)
		x.AddCell().SetString(row.RelatedTerms)
		x.AddCell().SetString(row.Industry)
		x.AddCell().SetString(row.Tags)
		grade := x.AddCell()
		if row.Grade != nil {
			grade.SetInt(*row.Grade)
		}
		x.AddCell().SetString(row.ContentWarnings)
		x.AddCell().SetString(row.CredentialID)
		x.AddCell().SetInt(row.AttemptCount)
		x.AddCell().SetString(row.ProcessedAt.Format(time.RFC3339))
	}

	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// pageSize bounds each store read while exporting.
const pageSize = 500

// Collect pages through done records matching filter in completion order.
func Collect(ctx context.Context, s store.Store, filter store.ResultFilter) ([]*model.EnrichmentResult, error) {
	filter.Status = model.ProgressDone
	filter.Limit = pageSize
	filter.Offset = 0

	var out []*model.EnrichmentResult
	for {
		page, err := s.ListResults(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "export: list results")
		}
		for i := range page {
			if page[i].Result != nil {
				out = append(out, page[i].Result)
			}
		}
		if len(page) < pageSize {
			return out, nil
		}
		filter.Offset += pageSize
	}
}

// ToFile exports the done results matching filter to path. The format is
// inferred from the extension unless format is set. It returns the number
// of records written.
func ToFile(ctx context.Context, s store.Store, filter store.ResultFilter, path string, format Format) (int, error) {
	if format == "" {
		format = FormatForPath(path)
	}
	results, err := Collect(ctx, s, filter)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(f, format, results); err != nil {
		f.Close() //nolint:errcheck
		return 0, err
	}
	return len(results), eris.Wrapf(f.Close(), "export: close %s", path)
}
