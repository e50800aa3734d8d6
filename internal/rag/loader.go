package rag

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// MIME types reported on loaded documents.
const (
	MIMEPDF      = "application/pdf"
	MIMEDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEText     = "text/plain"
	MIMEMarkdown = "text/markdown"
)

// ErrUnsupportedSource is returned for files the loader cannot read.
var ErrUnsupportedSource = errors.New("unsupported document type")

// FileLoader reads PDF, DOCX, plain text and markdown files. A directory
// source is walked and every supported file in it is loaded.
type FileLoader struct{}

// NewFileLoader creates a file loader.
func NewFileLoader() *FileLoader { return &FileLoader{} }

// Load returns one document per PDF page and one per other file.
func (l *FileLoader) Load(ctx context.Context, source string) ([]models.RawDocument, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", source, err)
	}
	if !info.IsDir() {
		return l.loadFile(ctx, source)
	}

	var docs []models.RawDocument
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || mimeType(path) == "" {
			return nil
		}
		loaded, err := l.loadFile(ctx, path)
		if err != nil {
			return err
		}
		docs = append(docs, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", source, err)
	}
	log.Debug().Str("source", source).Int("documents", len(docs)).Msg("Directory loaded")
	return docs, nil
}

func (l *FileLoader) loadFile(ctx context.Context, path string) ([]models.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch mimeType(path) {
	case MIMEPDF:
		return loadPDF(path)
	case MIMEDOCX:
		text, err := docxText(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return []models.RawDocument{fileDoc(path, text, MIMEDOCX)}, nil
	case MIMEText, MIMEMarkdown:
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		return []models.RawDocument{fileDoc(path, string(b), mimeType(path))}, nil
	}
	return nil, fmt.Errorf("load %s: %w", path, ErrUnsupportedSource)
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return MIMEPDF
	case ".docx":
		return MIMEDOCX
	case ".md", ".markdown":
		return MIMEMarkdown
	case ".txt", ".text":
		return MIMEText
	}
	return ""
}

func fileDoc(path, text, mime string) models.RawDocument {
	return models.RawDocument{
		ID:       path,
		Content:  text,
		MIMEType: mime,
		Metadata: map[string]string{"source": path},
	}
}

// loadPDF returns one document per page. The PDF reader panics on some
// malformed files; that surfaces as an error.
func loadPDF(path string) (docs []models.RawDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs, err = nil, fmt.Errorf("read pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()

	total := r.NumPage()
	docs = make([]models.RawDocument, 0, total)
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("read pdf %s page %d: %w", path, i, err)
		}
		page := strconv.Itoa(i)
		docs = append(docs, models.RawDocument{
			ID:       path + "#" + page,
			Content:  text,
			MIMEType: MIMEPDF,
			Metadata: map[string]string{
				"source":      path,
				"page":        page,
				"total_pages": strconv.Itoa(total),
			},
		})
	}
	log.Debug().Str("source", path).Int("pages", len(docs)).Msg("PDF loaded")
	return docs, nil
}

// docxText extracts paragraph text from word/document.xml.
func docxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return wordprocessingText(rc)
	}
	return "", errors.New("word/document.xml not found")
}

func wordprocessingText(r io.Reader) (string, error) {
	var (
		b      strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
