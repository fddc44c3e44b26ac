package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"alphaforge/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCatalogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ops := []schema.OperatorMeta{
		{Name: "rank", Category: "Cross Sectional", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "ts_delta", Category: "Time Series", Arity: 2},
	}
	if err := s.UpsertOperators(ctx, ops); err != nil {
		t.Fatalf("UpsertOperators: %v", err)
	}
	got, err := s.Operators(ctx)
	if err != nil {
		t.Fatalf("Operators: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d operators, want 2", len(got))
	}
	if got[0].Name != "rank" || got[0].Scope[0] != "REGULAR" {
		t.Fatalf("operator row = %+v", got[0])
	}
	if got[1].Arity != 2 {
		t.Fatalf("ts_delta arity = %d, want 2", got[1].Arity)
	}

	target := schema.DefaultTarget()
	data := []schema.Dataset{
		{ID: "pv1", Name: "Price Volume", Region: "USA", Delay: 1, Universe: "TOP3000",
			Subcategory: "price-volume", ValueScore: 0.8, FieldCount: 12},
		{ID: "eu1", Name: "EU Prices", Region: "EUR", Delay: 1, Universe: "TOP2500"},
	}
	if err := s.UpsertDatasets(ctx, data); err != nil {
		t.Fatalf("UpsertDatasets: %v", err)
	}
	ds, err := s.DatasetsForTarget(ctx, target)
	if err != nil {
		t.Fatalf("DatasetsForTarget: %v", err)
	}
	if len(ds) != 1 || ds[0].ID != "pv1" {
		t.Fatalf("got %+v, want only pv1", ds)
	}

	fields := []schema.DataField{
		{ID: "close", DatasetID: "pv1", Region: "usa", Delay: 1, Universe: "top3000", Type: "MATRIX"},
		{ID: "eu_close", DatasetID: "eu1", Region: "EUR", Delay: 1, Universe: "TOP2500", Type: "MATRIX"},
	}
	if err := s.UpsertDataFields(ctx, fields); err != nil {
		t.Fatalf("UpsertDataFields: %v", err)
	}
	fs, err := s.FieldsForTarget(ctx, target)
	if err != nil {
		t.Fatalf("FieldsForTarget: %v", err)
	}
	if len(fs) != 1 || fs[0].ID != "close" {
		t.Fatalf("got %+v, want only close (case-insensitive target match)", fs)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	op := []schema.OperatorMeta{{Name: "zscore", Category: "Cross Sectional", Arity: 1}}
	if err := s.UpsertOperators(ctx, op); err != nil {
		t.Fatal(err)
	}
	op[0].Description = "standardize cross-sectionally"
	if err := s.UpsertOperators(ctx, op); err != nil {
		t.Fatal(err)
	}
	got, err := s.Operators(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Description != "standardize cross-sectionally" {
		t.Fatalf("got %+v, want single updated row", got)
	}
}

func TestEventLogOrderAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, et := range []string{"validation.started", "validation.failed", "llm.usage_point"} {
		ev := schema.NewEvent(et, "run-1", "idea-1", "validation", "")
		ev.Payload = map[string]any{"n": 1}
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s): %v", et, err)
		}
	}
	if err := s.AppendEvent(ctx, schema.NewEvent("validation.started", "run-2", "idea-2", "validation", "")); err != nil {
		t.Fatal(err)
	}

	run1, err := s.EventsByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("EventsByRun: %v", err)
	}
	if len(run1) != 3 {
		t.Fatalf("got %d events for run-1, want 3", len(run1))
	}
	if run1[0].EventType != "validation.started" || run1[2].EventType != "llm.usage_point" {
		t.Fatalf("events out of order: %v %v", run1[0].EventType, run1[2].EventType)
	}
	if run1[2].Payload["n"] != float64(1) {
		t.Fatalf("payload not preserved: %+v", run1[2].Payload)
	}

	llm, err := s.EventsByTypePrefix(ctx, "llm.")
	if err != nil {
		t.Fatalf("EventsByTypePrefix: %v", err)
	}
	if len(llm) != 1 {
		t.Fatalf("got %d llm events, want 1", len(llm))
	}
}

func TestLoadSnapshot(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "snap.json")
	body := `{
	  "operators": [{"name": "rank", "arity": 1}],
	  "datasets": [{"id": "pv1", "region": "USA", "delay": 1, "universe": "TOP3000"}],
	  "data_fields": [{"id": "close", "dataset_id": "pv1", "region": "USA", "delay": 1, "universe": "TOP3000", "type": "MATRIX"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ops, ds, fs, err := s.LoadSnapshot(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if ops != 1 || ds != 1 || fs != 1 {
		t.Fatalf("counts = %d/%d/%d, want 1/1/1", ops, ds, fs)
	}
}
