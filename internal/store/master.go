package store

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"finnwatch-engine/internal/domain"
)

// ReadMasterList loads a manually curated listing CSV. These files come from
// spreadsheets and page exports, so the delimiter varies (comma vs semicolon)
// and header casing is inconsistent; both are normalized here. Rows without a
// usable URL are skipped.
func ReadMasterList(path string, kind domain.PropertyKind, finnkodeOf func(string) string) ([]domain.Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	delim, err := detectDelimiter(br)
	if err != nil {
		return nil, fmt.Errorf("master list %s: %w", path, err)
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("master list %s: %w", path, err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	colIdx := map[string]int{}
	for i, name := range rows[0] {
		colIdx[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(row []string, names ...string) string {
		for _, n := range names {
			if i, ok := colIdx[n]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}

	var out []domain.Listing
	for _, row := range rows[1:] {
		link := field(row, "url", "link")
		if link == "" {
			continue
		}
		code := finnkodeOf(link)
		if code == "" {
			continue
		}
		out = append(out, domain.Listing{
			Kind:     kind,
			Finnkode: code,
			Title:    field(row, "title"),
			Address:  field(row, "address"),
			Price:    field(row, "price"),
			Size:     field(row, "size"),
			Link:     link,
		})
	}

	return out, nil
}

// detectDelimiter peeks at the header line and picks whichever of ';' and ','
// occurs more often.
func detectDelimiter(br *bufio.Reader) (rune, error) {
	head, err := br.Peek(4096)
	if err != nil && len(head) == 0 {
		return ',', err
	}
	line := string(head)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';', nil
	}
	return ',', nil
}
