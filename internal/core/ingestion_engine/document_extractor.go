package ingestion_engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"code.sajari.com/docconv"
	"github.com/xuri/excelize/v2"

	"github.com/handoverhq/docsearch/internal/core"
)

var _ core.DocumentExtractor = (*Extractor)(nil)

const cellDelimiter = " | "

// MIME types handled by the extractor.
const (
	mimePDF      = "application/pdf"
	mimeDoc      = "application/msword"
	mimeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeODT      = "application/vnd.oasis.opendocument.text"
	mimeRTF      = "application/rtf"
	mimeTextRTF  = "text/rtf"
	mimeHTML     = "text/html"
	mimeXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeXLSM     = "application/vnd.ms-excel.sheet.macroenabled.12"
	mimeExcel    = "application/vnd.ms-excel"
	mimeCSV      = "text/csv"
	mimeAppCSV   = "application/csv"
	mimeText     = "text/plain"
	mimeMarkdown = "text/markdown"
	mimeJSON     = "application/json"
)

var (
	horizontalSpace = regexp.MustCompile(`[^\S\n]+`)
	spaceAroundLF   = regexp.MustCompile(` *\n *`)
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
)

// Extractor implements core.DocumentExtractor. Word-family formats and PDF go
// through sajari/docconv, spreadsheets through excelize.
type Extractor struct {
	useReadability bool
}

func NewExtractor(useReadability bool) *Extractor {
	return &Extractor{useReadability: useReadability}
}

// Extract converts data of the declared MIME type to normalized text.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	mt := baseMimeType(mimeType)

	var (
		text string
		err  error
	)
	switch mt {
	case mimePDF:
		text, err = e.docconv(data, mt)
		if err != nil {
			// image-only scans and broken files are not fatal to ingestion
			return "", fmt.Errorf("%w: pdf: %v", core.ErrNoExtractableText, err)
		}
	case mimeDoc, mimeDocx, mimeODT, mimeRTF, mimeTextRTF, mimeHTML:
		text, err = e.docconv(data, mt)
	case mimeXLSX, mimeXLSM:
		text, err = spreadsheetText(data)
	case mimeExcel:
		// browsers often label CSV uploads with the legacy Excel type
		text, err = spreadsheetText(data)
		if err != nil {
			text, err = csvText(data)
		}
	case mimeCSV, mimeAppCSV:
		text, err = csvText(data)
	case mimeText, mimeMarkdown:
		text = string(data)
	case mimeJSON:
		text = jsonText(data)
	default:
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, mimeType)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", mt, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text = Normalize(text)
	if text == "" {
		return "", core.ErrNoExtractableText
	}
	return text, nil
}

func (e *Extractor) docconv(data []byte, mimeType string) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), mimeType, e.useReadability)
	if err != nil {
		return "", err
	}
	return res.Body, nil
}

// spreadsheetText emits every sheet as a labelled block, one row per line.
func spreadsheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		b.WriteString("Sheet: ")
		b.WriteString(sheet)
		b.WriteString("\n")
		writeRows(&b, rows)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

func csvText(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, rec)
	}

	var b strings.Builder
	writeRows(&b, rows)
	return b.String(), nil
}

func writeRows(b *strings.Builder, rows [][]string) {
	for _, row := range rows {
		cells := make([]string, 0, len(row))
		for _, c := range row {
			if c = strings.TrimSpace(c); c != "" {
				cells = append(cells, c)
			}
		}
		if len(cells) == 0 {
			continue
		}
		b.WriteString(strings.Join(cells, cellDelimiter))
		b.WriteString("\n")
	}
}

// jsonText pretty-prints JSON. Invalid JSON is passed through as plain text.
func jsonText(data []byte) string {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return string(data)
	}
	return out.String()
}

// Normalize collapses horizontal whitespace runs to one space and runs of
// three or more newlines to exactly two.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	s = spaceAroundLF.ReplaceAllString(s, "\n")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func baseMimeType(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	}
	return strings.ToLower(mt)
}
