// Package store persists the shared events document and merges new events
// into it.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/flitsinc/watchtower/internal/events"
)

// Store reads and writes the whole events document. A missing document reads
// as empty.
type Store interface {
	Read(ctx context.Context) (events.Document, error)
	Write(ctx context.Context, doc events.Document) error
}

const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// DocumentName is the key the shared document is stored under in keyed
// backends.
const DocumentName = "events"

func encodeDocument(doc events.Document) ([]byte, error) {
	if doc.Events == nil {
		doc.Events = []events.Event{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode events document: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDocument(data []byte) (events.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return events.Document{Events: []events.Event{}}, nil
	}
	var doc events.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return events.Document{}, fmt.Errorf("decode events document: %w", err)
	}
	if doc.Events == nil {
		doc.Events = []events.Event{}
	}
	return doc, nil
}
