package ingest

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText extracts deck text using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// Extract runs pdftotext -layout on the given PDF and returns stdout. Pages
// are counted from the form feeds pdftotext emits between them.
func (p *PdfToText) Extract(ctx context.Context, pdfPath string) (Deck, error) {
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", pdfPath, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Deck{}, eris.Wrapf(err, "ingest: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	text := stdout.String()
	pages := 0
	if text != "" {
		pages = strings.Count(text, "\f")
		if !strings.HasSuffix(text, "\f") {
			pages++
		}
	}
	return Deck{Text: text, PageCount: pages}, nil
}
