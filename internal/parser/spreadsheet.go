package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"assistant-sync/internal/models"
)

type sheet struct {
	Name string
	Rows [][]string
}

// ConvertSpreadsheet writes one tab separated text file per sheet next to the workbook,
// named <stem>_<sheet>.txt, and returns them as generated documents.
// Existing files are never overwritten: the workbook is refused when any target name is taken.
// Files already written are removed again if a later sheet fails.
func ConvertSpreadsheet(fs billy.Filesystem, path string) ([]models.Document, error) {
	data, err := util.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spreadsheet %s: %w", path, err)
	}

	sheets, err := readWorkbook(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse spreadsheet %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	for _, s := range sheets {
		out := fs.Join(dir, sheetFileName(stem, s.Name))
		if _, err := fs.Stat(out); err == nil {
			return nil, fmt.Errorf("failed to convert %s: %s already exists", path, out)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to check %s: %w", out, err)
		}
	}

	var docs []models.Document
	for _, s := range sheets {
		content, err := sheetToTSV(s.Rows)
		if err != nil {
			RemoveGenerated(fs, docs)
			return nil, fmt.Errorf("failed to convert sheet %q of %s: %w", s.Name, path, err)
		}

		name := sheetFileName(stem, s.Name)
		out := fs.Join(dir, name)
		if err := util.WriteFile(fs, out, content, 0o644); err != nil {
			RemoveGenerated(fs, docs)
			return nil, fmt.Errorf("failed to write %s: %w", out, err)
		}

		docs = append(docs, models.Document{
			Name:      name,
			Path:      out,
			Ext:       ".txt",
			Size:      int64(len(content)),
			Generated: true,
		})
	}

	log.Debug().Str("file", path).Int("sheets", len(docs)).Msg("Converted spreadsheet")
	return docs, nil
}

func sheetFileName(stem, sheet string) string {
	return fmt.Sprintf("%s_%s.txt", stem, sheet)
}

// RemoveGenerated deletes converted sheet files, logging failures instead of returning them
func RemoveGenerated(fs billy.Filesystem, docs []models.Document) int {
	failed := 0
	for _, doc := range docs {
		if !doc.Generated {
			continue
		}
		if err := fs.Remove(doc.Path); err != nil {
			failed++
			log.Error().Err(err).Str("file", doc.Path).Msg("Error deleting generated file")
			continue
		}
		log.Debug().Str("file", doc.Path).Msg("Deleted generated file")
	}
	return failed
}

func readWorkbook(data []byte) ([]sheet, error) {
	sheets, err := readExcelize(data)
	if err == nil {
		return sheets, nil
	}

	// some producers write workbooks excelize rejects but the older reader accepts
	fallback, ferr := readXLSX(data)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	log.Debug().Err(err).Msg("Read workbook with fallback reader")
	return fallback, nil
}

func readExcelize(data []byte) ([]sheet, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sheets []sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
		}
		sheets = append(sheets, sheet{Name: name, Rows: rows})
	}
	return sheets, nil
}

func readXLSX(data []byte) ([]sheet, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, err
	}

	var sheets []sheet
	for _, s := range f.Sheets {
		rows := make([][]string, 0, len(s.Rows))
		for _, row := range s.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, sheet{Name: s.Name, Rows: rows})
	}
	return sheets, nil
}

// sheetToTSV renders rows the way a header-first table export does: the first row is the header,
// rows are padded to the widest one, blank headers become "Unnamed: <col>" and repeated
// headers get a ".<n>" suffix. No index column is written.
func sheetToTSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	if len(rows) == 0 {
		return buf.Bytes(), nil
	}

	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}

	w := csv.NewWriter(&buf)
	w.Comma = '\t'

	if err := w.Write(headerRow(rows[0], width)); err != nil {
		return nil, err
	}
	for _, row := range rows[1:] {
		if err := w.Write(pad(row, width)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func headerRow(row []string, width int) []string {
	header := pad(row, width)
	seen := make(map[string]int, width)
	for i, name := range header {
		if strings.TrimSpace(name) == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n, ok := seen[name]; ok {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		header[i] = name
	}
	return header
}

func pad(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	return out
}
