package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const DefaultMaxItems = 100_000

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyFile       = errors.New("file contains no items")
	ErrTooManyItems    = errors.New("file exceeds the item limit")
)

// headerNames are first-row values treated as a header rather than data.
var headerNames = map[string]bool{
	"topic":   true,
	"prompt":  true,
	"title":   true,
	"text":    true,
	"keyword": true,
	"url":     true,
	"payload": true,
}

// Options bounds a single ingest.
type Options struct {
	MaxItems int
}

// ReadItems parses an uploaded CSV into one payload per row. Only the
// first column is used; a recognized header row is skipped and blank rows
// are dropped. The content is sniffed first so renamed binaries are
// rejected before the CSV reader sees them.
func ReadItems(r io.Reader, opts Options) ([]string, error) {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	kind := mimetype.Detect(data)
	if !kind.Is("text/csv") && !kind.Is("text/plain") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kind.String())
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	var payloads []string
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}

		payload := strings.TrimSpace(record[0])
		if payload == "" {
			continue
		}
		// Only the first non-blank row can be a header.
		if first {
			first = false
			if headerNames[strings.ToLower(payload)] {
				continue
			}
		}

		payloads = append(payloads, payload)
		if len(payloads) > maxItems {
			return nil, fmt.Errorf("%w: more than %d items", ErrTooManyItems, maxItems)
		}
	}

	if len(payloads) == 0 {
		return nil, ErrEmptyFile
	}
	return payloads, nil
}
