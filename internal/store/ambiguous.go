package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"finnwatch-engine/internal/domain"
)

var ambiguousColumns = []string{
	"finnkode", "kind", "title", "address", "link", "reason", "candidates", "logged_at",
}

// AppendAmbiguous adds one row to the manual-review log. The log is
// append-only; the same finnkode may appear once per run it stayed ambiguous.
func AppendAmbiguous(path string, l domain.Listing, reason string, candidates int, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(ambiguousColumns); err != nil {
			return err
		}
	}

	row := []string{
		l.Finnkode, l.Kind.String(), l.Title, l.Address, l.Link,
		reason, fmt.Sprintf("%d", candidates), now.UTC().Format(time.RFC3339),
	}
	if err := w.Write(row); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}

func AmbiguousLogPath(outputDir string, kind domain.PropertyKind) string {
	return filepath.Join(outputDir, fmt.Sprintf("ambiguous_%s.csv", kind))
}
