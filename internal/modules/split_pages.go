package modules

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Document — открытый PDF документ.
type Document interface {
	io.ReaderAt
	io.Closer
}

// DocumentSource открывает документ задачи.
type DocumentSource interface {
	// Open возвращает документ и его размер в байтах.
	Open(ctx context.Context, p *domain.TaskParameters) (Document, int64, error)
}

// FileSource читает документы из локальной директории.
//
// Путь берётся из params.path задачи относительно Root; иначе —
// {Root}/{tenant_id}/{document_id}.pdf. Файл открывается через os.Root,
// поэтому путь не может выйти за пределы Root (или директории tenant).
type FileSource struct {
	Root string
}

// Open открывает файл документа.
func (s FileSource) Open(_ context.Context, p *domain.TaskParameters) (Document, int64, error) {
	if s.Root == "" {
		return nil, 0, fmt.Errorf("%w: documents directory is not configured", ErrInvalidInput)
	}

	dir, name := s.Root, ""
	if path, _ := p.TaskConfig.Params["path"].(string); path != "" {
		name = path
		if filepath.IsAbs(path) {
			rel, err := filepath.Rel(s.Root, path)
			if err != nil || !filepath.IsLocal(rel) {
				return nil, 0, fmt.Errorf("%w: path %q is outside the documents directory", ErrInvalidInput, path)
			}
			name = rel
		}
	} else {
		if err := pathElement("tenant_id", p.TenantID); err != nil {
			return nil, 0, err
		}
		if err := pathElement("document_id", p.DocumentID); err != nil {
			return nil, 0, err
		}
		dir, name = filepath.Join(s.Root, p.TenantID), p.DocumentID+".pdf"
	}
	if !filepath.IsLocal(name) {
		return nil, 0, fmt.Errorf("%w: path %q is outside the documents directory", ErrInvalidInput, name)
	}

	f, err := os.OpenInRoot(dir, name)
	if err != nil {
		return nil, 0, fmt.Errorf("open document: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat document: %w", err)
	}
	return f, info.Size(), nil
}

// pathElement проверяет, что значение — одно имя без разделителей пути.
func pathElement(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	if value == "." || value == ".." || strings.ContainsAny(value, `/\`) || !filepath.IsLocal(value) {
		return fmt.Errorf("%w: %s %q is not a plain name", ErrInvalidInput, field, value)
	}
	return nil
}

// SplitPages — модуль "split_pages": разбивает PDF документ на страницы.
//
// Results:
//
//	{
//	    "page_count": 3,
//	    "pages": [{"page_number": 1}, {"page_number": 2}, {"page_number": 3}]
//	}
//
// С params.extract_text = true каждая страница содержит "text".
// Используется вместе с post_processing.for_each: pages.
type SplitPages struct {
	docs DocumentSource
}

// NewSplitPages создаёт модуль split_pages.
func NewSplitPages(docs DocumentSource) *SplitPages {
	return &SplitPages{docs: docs}
}

func (m *SplitPages) Name() string { return "split_pages" }

// Run считает страницы документа.
func (m *SplitPages) Run(ctx context.Context, p *domain.TaskParameters) (map[string]any, error) {
	if m.docs == nil {
		return nil, fmt.Errorf("%w: no document source configured", ErrInvalidInput)
	}

	doc, size, err := m.docs.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	reader, err := pdf.NewReader(doc, size)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	extractText, _ := p.TaskConfig.Params["extract_text"].(bool)

	count := reader.NumPage()
	pages := make([]any, 0, count)
	for n := 1; n <= count; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := map[string]any{"page_number": n}
		if pg := reader.Page(n); extractText && !pg.V.IsNull() {
			text, err := pg.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("extract text of page %d: %w", n, err)
			}
			page["text"] = strings.TrimSpace(text)
		}
		pages = append(pages, page)
	}

	return map[string]any{
		"page_count": count,
		"pages":      pages,
	}, nil
}
