package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/store"
)

func sampleResults() []*model.EnrichmentResult {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return []*model.EnrichmentResult{
		{
			Acronym:      "API",
			FullName:     "Application Programming Interface (API)",
			Description:  "A set of rules that lets programs talk to each other.",
			Context:      "Software",
			RelatedTerms: []string{"SDK", "REST"},
			Industry:     "Technology",
			Tags:         []string{"software", "web"},
			Grade:        model.IntPtr(3),
			CredentialID: "key-1",
			AttemptCount: 1,
			ProcessedAt:  ts,
		},
		{
			Acronym:         "CPU",
			FullName:        "Central Processing Unit",
			Description:     "The component that executes program instructions.",
			Context:         "Hardware",
			RelatedTerms:    []string{"GPU"},
			Industry:        "Technology",
			Tags:            []string{},
			ContentWarnings: []string{"full_name does not contain acronym"},
			CredentialID:    "key-2",
			AttemptCount:    2,
			ProcessedAt:     ts.Add(time.Second),
		},
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Format{"jsonl": FormatJSONL, "JSON": FormatJSONL, " csv ": FormatCSV, "xlsx": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("parquet")
	assert.Error(t, err)

	assert.Equal(t, FormatCSV, FormatForPath("out.CSV"))
	assert.Equal(t, FormatXLSX, FormatForPath("out.xlsx"))
	assert.Equal(t, FormatJSONL, FormatForPath("out.jsonl"))
}

func TestWrite_JSONL(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSONL, sampleResults()))

	sc := bufio.NewScanner(&buf)
	var got []model.EnrichmentResult
	for sc.Scan() {
		var r model.EnrichmentResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "API", got[0].Acronym)
	assert.Equal(t, []string{"SDK", "REST"}, got[0].RelatedTerms)
	assert.Equal(t, "CPU", got[1].Acronym)
}

func TestWrite_CSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sampleResults()))

	header, err := csv.NewReader(bytes.NewReader(buf.Bytes())).Read()
	require.NoError(t, err)
	assert.Equal(t, columns, header)

	var rows []Row
	require.NoError(t, csvutil.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "SDK; REST", rows[0].RelatedTerms)
	require.NotNil(t, rows[0].Grade)
	assert.Equal(t, 3, *rows[0].Grade)
	assert.Nil(t, rows[1].Grade)
	assert.Equal(t, "full_name does not contain acronym", rows[1].ContentWarnings)
	assert.Equal(t, 2, rows[1].AttemptCount)
}

func TestWrite_CSVEmptyHasHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, nil))
	assert.Contains(t, buf.String(), "acronym,full_name")
}

func TestWrite_XLSX(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.xlsx")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, FormatXLSX, sampleResults()))
	require.NoError(t, f.Close())

	book, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, book.Sheets, 1)
	sheet := book.Sheets[0]
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "acronym", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "API", sheet.Rows[1].Cells[0].String())
	assert.Equal(t, "3", sheet.Rows[1].Cells[7].String())
	assert.Equal(t, "software; web", sheet.Rows[1].Cells[6].String())
}

func TestWrite_UnknownFormat(t *testing.T) {
	t.Parallel()
	assert.Error(t, Write(&bytes.Buffer{}, Format("yaml"), nil))
}

func TestToFile_DoneResultsInCompletionOrder(t *testing.T) {
	t.Parallel()

	s, err := store.NewBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	results := sampleResults()
	for i := len(results) - 1; i >= 0; i-- {
		rec := model.DoneRecord("run-1", model.Job{Token: results[i].Acronym}, results[i])
		rec.UpdatedAt = base.Add(time.Duration(len(results)-i) * time.Second)
		_, err := s.Record(ctx, rec)
		require.NoError(t, err)
	}
	_, err = s.Record(ctx, model.FailedRecord("run-1", model.Job{Token: "GPU"}, model.ReasonFatal, "", 1))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.jsonl")
	n, err := ToFile(ctx, s, store.ResultFilter{RunID: "run-1"}, path, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"acronym":"CPU"`)
	assert.Contains(t, string(lines[1]), `"acronym":"API"`)
}
