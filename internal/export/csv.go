// Package export writes harvested articles to local files for offline review.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressroom-hq/account-harvester/internal/domain"
)

var csvHeader = []string{"account", "title", "publish_time", "url", "content"}

// WriteCSV writes the articles to path as UTF-8 CSV, creating parent
// directories as needed. Newlines in the content column are flattened so each
// record stays on one physical line.
func WriteCSV(path string, articles []domain.Article) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, art := range articles {
		record := []string{
			art.AccountName,
			art.Title,
			art.PublishTime,
			art.URL,
			flatten(art.Content),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv record %q: %w", art.URL, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return f.Close()
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\\n")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
