// Package knowledge resolves the configured static knowledge files into
// assets ready for upload. PDF sources are flattened to plain text so the
// shared context cache is always built from text parts.
package knowledge

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Asset is one local knowledge file destined for the remote asset store.
type Asset struct {
	// APIName is the bare remote resource id, e.g. "produtos".
	APIName string
	// Path is the local file whose bytes are fingerprinted and uploaded.
	Path string
	// MimeType tags the uploaded object. Always text/plain after loading.
	MimeType string
}

// Source is one configured knowledge file before resolution.
type Source struct {
	Name string
	Path string
}

// Load resolves sources into uploadable assets. Text files pass through
// unchanged; PDFs are extracted into <dataDir>/knowledge/<name>.txt. A
// missing or unsupported source is an error: the cache must never be built
// from a partial knowledge base.
func Load(dataDir string, sources []Source) ([]Asset, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no knowledge files configured")
	}

	assets := make([]Asset, 0, len(sources))
	for _, src := range sources {
		if src.Name == "" {
			return nil, fmt.Errorf("knowledge source %q has no name", src.Path)
		}
		if _, err := os.Stat(src.Path); err != nil {
			return nil, fmt.Errorf("knowledge file %s: %w", src.Path, err)
		}

		switch strings.ToLower(filepath.Ext(src.Path)) {
		case ".txt", ".md":
			assets = append(assets, Asset{APIName: src.Name, Path: src.Path, MimeType: "text/plain"})
		case ".pdf":
			outPath, err := extractPDF(dataDir, src)
			if err != nil {
				return nil, err
			}
			assets = append(assets, Asset{APIName: src.Name, Path: outPath, MimeType: "text/plain"})
		default:
			return nil, fmt.Errorf("knowledge file %s: unsupported extension", src.Path)
		}
	}
	return assets, nil
}

// extractPDF writes the plain text of a PDF source into the data dir and
// returns the output path.
func extractPDF(dataDir string, src Source) (string, error) {
	f, r, err := pdf.Open(src.Path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", src.Path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting text from %s: %w", src.Path, err)
	}
	text, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading extracted text from %s: %w", src.Path, err)
	}
	if len(strings.TrimSpace(string(text))) == 0 {
		return "", fmt.Errorf("pdf %s produced no extractable text", src.Path)
	}

	outDir := filepath.Join(dataDir, "knowledge")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating knowledge dir: %w", err)
	}
	outPath := filepath.Join(outDir, src.Name+".txt")
	if err := os.WriteFile(outPath, text, 0o644); err != nil {
		return "", fmt.Errorf("writing extracted text: %w", err)
	}

	slog.Debug("extracted pdf knowledge file", "source", src.Path, "output", outPath, "bytes", len(text))
	return outPath, nil
}
