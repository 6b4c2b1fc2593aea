package parser

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"

	"assistant-sync/internal/models"
)

// ListDocuments returns the regular files at the root of fs whose extension is listed, sorted by name.
// Spreadsheets are never returned here, they reach the batch through ConvertSpreadsheet.
func ListDocuments(fs billy.Filesystem, extensions []string) ([]models.Document, error) {
	entries, err := fs.ReadDir("/")
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}

	var docs []models.Document
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !slices.Contains(extensions, ext) || IsSpreadsheet(entry.Name()) {
			continue
		}
		docs = append(docs, models.Document{
			Name: entry.Name(),
			Path: entry.Name(),
			Ext:  ext,
			Size: entry.Size(),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// ListSpreadsheets returns the workbook files at the root of fs, sorted by name
func ListSpreadsheets(fs billy.Filesystem) ([]string, error) {
	entries, err := fs.ReadDir("/")
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && IsSpreadsheet(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func IsSpreadsheet(name string) bool {
	return slices.Contains(models.SpreadsheetExtensions, strings.ToLower(filepath.Ext(name)))
}

// Inspect opens the document with a format aware reader and fills in what it learns.
// The service decides what it can index, so callers treat an error as a warning.
func Inspect(fs billy.Filesystem, doc *models.Document) error {
	mime, err := detectMIME(fs, doc.Path)
	if err != nil {
		return err
	}
	doc.MIME = mime
	if want, ok := expectedMIME[doc.Ext]; ok && !strings.HasPrefix(mime, want) {
		log.Warn().Str("file", doc.Name).Str("mime", mime).Msg("Content does not match file extension")
	}

	switch doc.Ext {
	case ".pdf":
		return inspectPDF(fs, doc)
	case ".docx":
		return inspectDOCX(fs, doc)
	default:
		return nil
	}
}

var expectedMIME = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
}

// detectMIME sniffs the first bytes of the file
func detectMIME(fs billy.Filesystem, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 3072)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return mimetype.Detect(buf[:n]).String(), nil
}

func inspectPDF(fs billy.Filesystem, doc *models.Document) error {
	f, err := fs.Open(doc.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := pdf.NewReader(f, doc.Size)
	if err != nil {
		return fmt.Errorf("failed to read pdf %s: %w", doc.Name, err)
	}
	doc.Pages = reader.NumPage()
	log.Debug().Str("file", doc.Name).Int("pages", doc.Pages).Msg("Inspected pdf")
	return nil
}

func inspectDOCX(fs billy.Filesystem, doc *models.Document) error {
	f, err := fs.Open(doc.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := docx.ReadDocxFromMemory(f, doc.Size)
	if err != nil {
		return fmt.Errorf("failed to read docx %s: %w", doc.Name, err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	paragraphs := strings.Count(content, "<w:p>") + strings.Count(content, "<w:p ")
	log.Debug().Str("file", doc.Name).Int("paragraphs", paragraphs).Msg("Inspected docx")
	return nil
}
