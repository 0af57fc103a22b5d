package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultMaxRows = 1000

var (
	errNoEmailColumn = errors.New("csv must contain an Email column")
	errNoRows        = errors.New("csv must contain at least one data row")
)

type RecipientRow struct {
	// Line is the 1-based line of the row in the upload.
	Line   int
	Email  string
	Fields map[string]string
}

// columns is a parsed header row.
type columns struct {
	names []string
	email int
}

func readColumns(reader *csv.Reader) (columns, error) {
	record, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return columns{}, errors.New("csv is empty")
	}
	if err != nil {
		return columns{}, err
	}

	c := columns{names: make([]string, len(record)), email: -1}
	seen := make(map[string]bool, len(record))
	for i, name := range record {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if name != "" && seen[strings.ToLower(name)] {
			return columns{}, fmt.Errorf("csv column %q appears twice", name)
		}
		seen[strings.ToLower(name)] = true
		c.names[i] = name

		if strings.EqualFold(name, "email") {
			c.email = i
		}
	}
	if c.email < 0 {
		return columns{}, errNoEmailColumn
	}
	return c, nil
}

// row maps a record onto the header. Records of the wrong width or
// without an address are skipped.
func (c columns) row(record []string, line int) (RecipientRow, bool) {
	if len(record) != len(c.names) {
		return RecipientRow{}, false
	}
	addr := strings.TrimSpace(record[c.email])
	if addr == "" {
		return RecipientRow{}, false
	}

	fields := make(map[string]string, len(record)-1)
	for i, v := range record {
		if i != c.email && c.names[i] != "" {
			fields[c.names[i]] = strings.TrimSpace(v)
		}
	}
	return RecipientRow{Line: line, Email: addr, Fields: fields}, true
}

// ParseRecipientRows reads up to maxRows recipients from a CSV upload
// whose header names an Email column. Header names match case-insensitively
// and must be unique.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	cols, err := readColumns(reader)
	if err != nil {
		return nil, err
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	var rows []RecipientRow
	for len(rows) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		line, _ := reader.FieldPos(0)
		if row, ok := cols.row(record, line); ok {
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		return nil, errNoRows
	}
	return rows, nil
}
