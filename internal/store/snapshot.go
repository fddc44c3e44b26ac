package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"alphaforge/internal/schema"
)

// CatalogSnapshot is the on-disk seed format for the metadata catalog.
type CatalogSnapshot struct {
	Operators  []schema.OperatorMeta `json:"operators"`
	Datasets   []schema.Dataset      `json:"datasets"`
	DataFields []schema.DataField    `json:"data_fields"`
}

// LoadSnapshot reads a catalog snapshot file and upserts its contents.
// Returns the number of rows written per table.
func (s *Store) LoadSnapshot(ctx context.Context, path string) (ops, datasets, fields int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap CatalogSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, 0, 0, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	if err := s.UpsertOperators(ctx, snap.Operators); err != nil {
		return 0, 0, 0, err
	}
	if err := s.UpsertDatasets(ctx, snap.Datasets); err != nil {
		return 0, 0, 0, err
	}
	if err := s.UpsertDataFields(ctx, snap.DataFields); err != nil {
		return 0, 0, 0, err
	}
	return len(snap.Operators), len(snap.Datasets), len(snap.DataFields), nil
}
