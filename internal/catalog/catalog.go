// Package catalog serves the static style/template data included in the
// welcome message. Rows are opaque JSON maintained outside this service.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"coscribe/api/internal/store"
)

type Data struct {
	ExportTemplates []json.RawMessage `json:"export_templates"`
	DocumentStyles  []json.RawMessage `json:"document_styles"`
	CitationStyles  []json.RawMessage `json:"citation_styles"`
	CitationLocales []json.RawMessage `json:"citation_locales"`
}

type Provider interface {
	Load(ctx context.Context) (Data, error)
}

type catalogStore interface {
	CatalogRows(ctx context.Context, table string) ([]store.CatalogRow, error)
}

// Postgres loads the catalog from the style/template tables.
type Postgres struct {
	store catalogStore
}

func NewPostgres(s catalogStore) *Postgres {
	return &Postgres{store: s}
}

func (p *Postgres) Load(ctx context.Context) (Data, error) {
	var data Data
	tables := []struct {
		name string
		dest *[]json.RawMessage
	}{
		{"export_templates", &data.ExportTemplates},
		{"document_styles", &data.DocumentStyles},
		{"citation_styles", &data.CitationStyles},
		{"citation_locales", &data.CitationLocales},
	}
	for _, table := range tables {
		rows, err := p.store.CatalogRows(ctx, table.name)
		if err != nil {
			return Data{}, fmt.Errorf("load catalog: %w", err)
		}
		fields := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			fields = append(fields, row.Fields)
		}
		*table.dest = fields
	}
	return data, nil
}

// Static serves a fixed catalog, used in tests and when no catalog tables
// are provisioned.
type Static struct {
	Data Data
}

func (s *Static) Load(ctx context.Context) (Data, error) {
	data := s.Data
	if data.ExportTemplates == nil {
		data.ExportTemplates = []json.RawMessage{}
	}
	if data.DocumentStyles == nil {
		data.DocumentStyles = []json.RawMessage{}
	}
	if data.CitationStyles == nil {
		data.CitationStyles = []json.RawMessage{}
	}
	if data.CitationLocales == nil {
		data.CitationLocales = []json.RawMessage{}
	}
	return data, nil
}
