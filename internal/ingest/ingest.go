// Package ingest turns submitted deck files into plain text for evaluation.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deckeval/internal/config"
)

// Deck holds the text extracted from a submitted deck file.
type Deck struct {
	Text      string
	PageCount int
}

// Extractor extracts deck text from PDF files.
type Extractor interface {
	Extract(ctx context.Context, pdfPath string) (Deck, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.IngestConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ingest: mistral provider requires mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, ""), nil
	default:
		return nil, eris.Errorf("ingest: unknown provider %q", cfg.Provider)
	}
}

// Load reads a deck from disk. PDF files go through the extractor; anything
// else is treated as plain text.
func Load(ctx context.Context, ext Extractor, path string) (Deck, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return ext.Extract(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Deck{}, eris.Wrapf(err, "ingest: read deck %s", path)
	}
	return Deck{Text: string(data)}, nil
}
