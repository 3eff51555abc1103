package chunker

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

// maxInferenceRows bounds how many sample rows feed column type
// inference. Beyond a couple hundred rows the verdict stops changing.
const maxInferenceRows = 200

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// analyzeSample derives data characteristics from the leading bytes of
// a file. fileSize is the full on-disk size so row counts can be
// extrapolated past the sample.
func analyzeSample(sample []byte, fileSize int64) model.DataCharacteristics {
	chars := model.DataCharacteristics{
		Encoding:        detectEncoding(sample),
		Compressibility: compressibility(sample),
		SampleBytes:     int64(len(sample)),
		FileSize:        fileSize,
	}
	if chars.Encoding == "binary" || chars.Encoding == "utf-16le" || chars.Encoding == "utf-16be" {
		return chars
	}

	text := bytes.TrimPrefix(sample, utf8BOM)
	lines, avgLine := splitSampleLines(text, int64(len(sample)) == fileSize)
	if len(lines) == 0 {
		return chars
	}
	chars.AvgLineLength = avgLine
	chars.Delimiter = detectDelimiter(lines)
	chars.HasQuotedFields = bytes.IndexByte(text, '"') >= 0
	chars.HasEscapes = bytes.Contains(text, []byte(`""`)) || bytes.Contains(text, []byte(`\"`))

	records := parseRecords(text, chars.Delimiter)
	if len(records) > 0 {
		chars.ColumnCount = len(records[0])
	}
	if len(records) > 1 {
		chars.ColumnTypes, chars.NullDensity = inferColumnTypes(records[1:], chars.ColumnCount)
	}

	if avgLine > 0 {
		rows := int64(math.Round(float64(fileSize)/avgLine)) - 1
		if rows < 0 {
			rows = 0
		}
		chars.EstimatedRows = rows
	}
	return chars
}

func detectEncoding(sample []byte) string {
	switch {
	case len(sample) == 0:
		return "ascii"
	case bytes.HasPrefix(sample, utf8BOM):
		return "utf-8-bom"
	case bytes.HasPrefix(sample, []byte{0xFF, 0xFE}):
		return "utf-16le"
	case bytes.HasPrefix(sample, []byte{0xFE, 0xFF}):
		return "utf-16be"
	}
	if bytes.IndexByte(sample, 0x00) >= 0 {
		return "binary"
	}
	ascii := true
	for _, b := range sample {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return "ascii"
	}
	if utf8.Valid(sample) {
		return "utf-8"
	}
	return "binary"
}

// splitSampleLines breaks the sample into lines and returns the average
// line length including the newline byte. The trailing partial line is
// dropped unless the sample covers the whole file, so a truncated last
// row never skews the average.
func splitSampleLines(text []byte, complete bool) ([][]byte, float64) {
	raw := bytes.Split(text, []byte{'\n'})
	if len(raw) == 0 {
		return nil, 0
	}
	last := raw[len(raw)-1]
	if len(last) == 0 || !complete {
		raw = raw[:len(raw)-1]
	}
	lines := make([][]byte, 0, len(raw))
	var total int
	for _, ln := range raw {
		total += len(ln) + 1
		lines = append(lines, bytes.TrimSuffix(ln, []byte{'\r'}))
	}
	if len(lines) == 0 {
		return nil, 0
	}
	return lines, float64(total) / float64(len(lines))
}

var delimiterCandidates = []byte{',', ';', '\t', '|'}

// detectDelimiter picks the candidate whose per-line count is most
// consistent across the sampled lines. Consistency beats raw frequency
// so a comma-heavy free-text column cannot outvote a clean semicolon
// layout.
func detectDelimiter(lines [][]byte) string {
	probe := lines
	if len(probe) > 20 {
		probe = probe[:20]
	}
	best := byte(',')
	bestScore := -1
	bestTotal := 0
	for _, cand := range delimiterCandidates {
		first := bytes.Count(probe[0], []byte{cand})
		if first == 0 {
			continue
		}
		score := 0
		total := 0
		for _, ln := range probe {
			n := bytes.Count(ln, []byte{cand})
			total += n
			if n == first {
				score++
			}
		}
		if score > bestScore || (score == bestScore && total > bestTotal) {
			best, bestScore, bestTotal = cand, score, total
		}
	}
	return string(best)
}

// parseRecords reads up to maxInferenceRows+1 records (header plus
// inference rows) with a quote-aware reader, tolerating ragged rows.
func parseRecords(text []byte, delimiter string) [][]string {
	r := csv.NewReader(bytes.NewReader(text))
	r.Comma, _ = utf8.DecodeRuneInString(delimiter)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var records [][]string
	for len(records) <= maxInferenceRows {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"02/01/2006",
}

// inferColumnTypes classifies each column from the sampled rows and
// reports the share of null cells across all of them.
func inferColumnTypes(rows [][]string, columns int) ([]string, float64) {
	if columns <= 0 {
		return nil, 0
	}
	types := make([]string, columns)
	var cells, nulls int
	for col := 0; col < columns; col++ {
		seen := ""
		mixed := false
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			cells++
			ct := cellType(row[col])
			if ct == "" {
				nulls++
				continue
			}
			switch {
			case seen == "":
				seen = ct
			case seen != ct:
				mixed = true
			}
		}
		switch {
		case mixed:
			types[col] = "mixed"
		case seen == "":
			types[col] = "string"
		default:
			types[col] = seen
		}
	}
	density := 0.0
	if cells > 0 {
		density = float64(nulls) / float64(cells)
	}
	return types, density
}

// cellType returns the inferred type of a single cell, or "" for a
// null-ish value.
func cellType(cell string) string {
	v := strings.TrimSpace(cell)
	switch strings.ToLower(v) {
	case "", "null", "na", "n/a", "none":
		return ""
	case "true", "false", "yes", "no":
		return "bool"
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return "int"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "float"
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return "date"
		}
	}
	return "string"
}

// compressibility is the gzip ratio of the sample: near 0 means highly
// repetitive data, near 1 means already-dense content.
func compressibility(sample []byte) float64 {
	if len(sample) == 0 {
		return 1
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(sample); err != nil {
		return 1
	}
	if err := zw.Close(); err != nil {
		return 1
	}
	ratio := float64(buf.Len()) / float64(len(sample))
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
