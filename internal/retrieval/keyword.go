package retrieval

import (
	"math"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"alphaforge/internal/schema"
)

// Catalog groups scored by the keyword retriever.
const (
	groupOperators = "operators"
	groupDatasets  = "datasets"
	groupFields    = "fields"
)

const (
	scoreCacheSize = 256
	scoreCacheTTL  = 5 * time.Minute
)

type document struct {
	id     string
	tokens map[string]bool
}

// Retriever scores catalog entries against a query using IDF-weighted token
// overlap. Scores are deterministic for a fixed catalog; per-query results
// are cached because the budget enforcer and the expansion path re-query the
// same text repeatedly.
type Retriever struct {
	docs  map[string][]document
	df    map[string]map[string]int
	cache *lru.LRU[string, map[string]float64]
}

// NewRetriever indexes the given catalog rows.
func NewRetriever(ops []schema.OperatorMeta, datasets []schema.Dataset, fields []schema.DataField) *Retriever {
	r := &Retriever{
		docs:  map[string][]document{},
		df:    map[string]map[string]int{},
		cache: lru.NewLRU[string, map[string]float64](scoreCacheSize, nil, scoreCacheTTL),
	}
	for _, op := range ops {
		r.index(groupOperators, op.Name,
			op.Name, op.Category, op.Definition, op.Description, op.Documentation)
	}
	for _, d := range datasets {
		r.index(groupDatasets, d.ID,
			d.ID, d.Name, d.Description, strings.Join(d.Themes, " "))
	}
	for _, f := range fields {
		r.index(groupFields, f.ID,
			f.ID, f.DatasetID, f.Type, f.Description)
	}
	return r
}

func (r *Retriever) index(group, id string, parts ...string) {
	if id == "" {
		return
	}
	tokens := map[string]bool{}
	for _, p := range parts {
		for _, t := range tokenize(p) {
			tokens[t] = true
		}
	}
	r.docs[group] = append(r.docs[group], document{id: id, tokens: tokens})
	df := r.df[group]
	if df == nil {
		df = map[string]int{}
		r.df[group] = df
	}
	for t := range tokens {
		df[t]++
	}
}

// Score returns positive scores per item id for the group; items with no
// token overlap are absent.
func (r *Retriever) Score(group, query string) map[string]float64 {
	key := group + "\x00" + query
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}
	queryTokens := tokenize(query)
	docs := r.docs[group]
	df := r.df[group]
	n := len(docs)
	out := map[string]float64{}
	for _, doc := range docs {
		score := 0.0
		for _, t := range queryTokens {
			if !doc.tokens[t] {
				continue
			}
			d := df[t]
			if d < 1 {
				d = 1
			}
			score += math.Log(float64(n+1)/float64(d+1)) + 1.0
		}
		if score > 0 {
			out[doc.id] = score
		}
	}
	r.cache.Add(key, out)
	return out
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping tokens
// shorter than two characters.
func tokenize(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			out = append(out, cur.String())
		}
		cur.Reset()
	}
	for _, c := range strings.ToLower(text) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			cur.WriteRune(c)
			continue
		}
		flush()
	}
	flush()
	return out
}

// normalizeMap rescales scores to [0,1] by min-max. A flat map degenerates to
// 1.0 for positive entries and 0.0 otherwise.
func normalizeMap(values map[string]float64) map[string]float64 {
	if len(values) == 0 {
		return map[string]float64{}
	}
	minV := math.Inf(1)
	maxV := math.Inf(-1)
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	out := make(map[string]float64, len(values))
	if maxV <= minV {
		for k, v := range values {
			if v > 0 {
				out[k] = 1.0
			} else {
				out[k] = 0.0
			}
		}
		return out
	}
	for k, v := range values {
		out[k] = clip01((v - minV) / (maxV - minV))
	}
	return out
}

func logRatio(num, den int) float64 {
	return math.Log(float64(num) / float64(den))
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
