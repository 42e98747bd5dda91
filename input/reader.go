// Package input reads the list of post links to scrape.
package input

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/use-agent/postpulse/models"
)

// headerNames are the column names recognised as the URL column, in order of
// preference.
var headerNames = []string{"url", "link", "tweet", "post", "status_url"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Read opens path and returns its post links in input order.
//
// A missing, unreadable or unparseable file yields a models.RunError of kind
// InputError. URLs are only checked for being non-empty.
func Read(path string) ([]models.LinkRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.InputError("cannot open input file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, models.InputError("cannot stat input file", err)
	}
	if info.IsDir() {
		return nil, models.InputError("input path is a directory", errors.New(path))
	}

	return Parse(f)
}

// Parse reads CSV rows from r. The first row is treated as a header when it
// has several columns or names a known URL column; otherwise it is data.
func Parse(r io.Reader) ([]models.LinkRecord, error) {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, models.InputError("malformed input csv", err)
	}
	if len(rows) == 0 {
		return []models.LinkRecord{}, nil
	}

	col := 0
	data := rows
	if isHeader(rows[0]) {
		col = urlColumn(rows[0])
		data = rows[1:]
	}

	links := make([]models.LinkRecord, 0, len(data))
	for _, row := range data {
		if col >= len(row) {
			continue
		}
		u := strings.TrimSpace(row[col])
		if u == "" {
			continue
		}
		links = append(links, models.LinkRecord{Row: len(links) + 1, URL: u})
	}
	return links, nil
}

func isHeader(row []string) bool {
	if len(row) != 1 {
		return true
	}
	return isHeaderName(row[0])
}

func isHeaderName(cell string) bool {
	name := strings.ToLower(strings.TrimSpace(cell))
	for _, h := range headerNames {
		if name == h {
			return true
		}
	}
	return false
}

// urlColumn picks the first preferred header name present, or column 0.
func urlColumn(header []string) int {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
	}
	for _, name := range headerNames {
		for i, h := range normalized {
			if h == name {
				return i
			}
		}
	}
	return 0
}
