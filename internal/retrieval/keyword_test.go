package retrieval

import (
	"testing"

	"alphaforge/internal/schema"
)

func TestTokenize(t *testing.T) {
	got := tokenize("Price-Momentum signals (5d)! a")
	want := []string{"price", "momentum", "signals", "5d"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokenize = %v, want %v", got, want)
		}
	}
}

func TestScoreMatchesOnlyOverlappingDocs(t *testing.T) {
	r := NewRetriever(
		[]schema.OperatorMeta{
			{Name: "rank", Description: "cross sectional rank"},
			{Name: "vec_avg", Description: "vector average"},
		}, nil, nil)
	scores := r.Score(groupOperators, "rank momentum")
	if _, ok := scores["rank"]; !ok {
		t.Fatal("rank should score positive")
	}
	if _, ok := scores["vec_avg"]; ok {
		t.Fatal("vec_avg has no token overlap, must be absent")
	}
}

func TestScoreRareTokenOutweighsCommon(t *testing.T) {
	ops := []schema.OperatorMeta{
		{Name: "a", Description: "momentum shared"},
		{Name: "b", Description: "momentum shared"},
		{Name: "c", Description: "momentum unique_token"},
	}
	r := NewRetriever(ops, nil, nil)
	scores := r.Score(groupOperators, "unique_token")
	if scores["c"] <= scores["a"] {
		t.Fatalf("rare-token doc must outscore non-matching: c=%v a=%v", scores["c"], scores["a"])
	}
}

func TestScoreCached(t *testing.T) {
	r := NewRetriever([]schema.OperatorMeta{{Name: "rank"}}, nil, nil)
	first := r.Score(groupOperators, "rank")
	second := r.Score(groupOperators, "rank")
	if first["rank"] != second["rank"] {
		t.Fatal("cached score differs")
	}
	if _, ok := r.cache.Get(groupOperators + "\x00rank"); !ok {
		t.Fatal("score not cached")
	}
}

func TestNormalizeMap(t *testing.T) {
	out := normalizeMap(map[string]float64{"a": 1, "b": 3, "c": 2})
	if out["a"] != 0 || out["b"] != 1 {
		t.Fatalf("normalize = %v", out)
	}
	flat := normalizeMap(map[string]float64{"a": 2, "b": 2})
	if flat["a"] != 1 || flat["b"] != 1 {
		t.Fatalf("flat positive map should normalize to 1: %v", flat)
	}
	if len(normalizeMap(nil)) != 0 {
		t.Fatal("nil map should normalize to empty")
	}
}
