package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alphaforge/internal/config"
	"alphaforge/internal/schema"
)

// ErrNoDatasets means the catalog holds no dataset rows for the idea's
// target slice. Seed the catalog before building packs.
var ErrNoDatasets = errors.New("no datasets available for target")

var allowedFieldTypes = map[string]bool{
	schema.FieldTypeMatrix: true,
	schema.FieldTypeGroup:  true,
	schema.FieldTypeVector: true,
}

// Catalog is the slice of the store the builder reads.
type Catalog interface {
	Operators(ctx context.Context) ([]schema.OperatorMeta, error)
	DatasetsForTarget(ctx context.Context, t schema.SimulationTarget) ([]schema.Dataset, error)
	FieldsForTarget(ctx context.Context, t schema.SimulationTarget) ([]schema.DataField, error)
}

// SubcategoryGloss enriches a subcategory id with a display name and meaning
// text used for lexical matching.
type SubcategoryGloss struct {
	Name    string `json:"name"`
	Meaning string `json:"meaning"`
}

// LoadGlossary reads a subcategory glossary file. Missing file yields an
// empty glossary.
func LoadGlossary(path string) (map[string]SubcategoryGloss, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]SubcategoryGloss{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read glossary %s: %w", path, err)
	}
	var rows []struct {
		ID string `json:"id"`
		SubcategoryGloss
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse glossary %s: %w", path, err)
	}
	out := make(map[string]SubcategoryGloss, len(rows))
	for _, row := range rows {
		if row.ID != "" {
			out[row.ID] = row.SubcategoryGloss
		}
	}
	return out, nil
}

type retrieverCache struct {
	mu sync.Mutex
	m  map[string]*Retriever
}

// Builder assembles retrieval packs under a lane budget.
type Builder struct {
	catalog  Catalog
	budget   config.RetrievalBudgetConfig
	glossary map[string]SubcategoryGloss
	logger   *zap.Logger
	cache    *retrieverCache
}

// NewBuilder builds packs against the given catalog. glossary and logger may
// be nil.
func NewBuilder(catalog Catalog, budget config.RetrievalBudgetConfig, glossary map[string]SubcategoryGloss, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if glossary == nil {
		glossary = map[string]SubcategoryGloss{}
	}
	return &Builder{
		catalog:  catalog,
		budget:   budget,
		glossary: glossary,
		logger:   logger,
		cache:    &retrieverCache{m: map[string]*Retriever{}},
	}
}

// Budget returns the builder's lane budget.
func (b *Builder) Budget() config.RetrievalBudgetConfig { return b.budget }

// WithBudget returns a builder sharing this builder's catalog and retriever
// index but using a different lane budget. The expansion path uses it to
// rebuild a larger pack without re-indexing.
func (b *Builder) WithBudget(budget config.RetrievalBudgetConfig) *Builder {
	return &Builder{
		catalog:  b.catalog,
		budget:   budget,
		glossary: b.glossary,
		logger:   b.logger,
		cache:    b.cache,
	}
}

// Build assembles a pack for the idea. The query comes from the idea's
// retrieval keywords, falling back to its hypothesis, then its id.
func (b *Builder) Build(ctx context.Context, idea schema.IdeaSpec) (*Pack, error) {
	start := time.Now()
	query := strings.TrimSpace(idea.RetrievalQuery())
	if query == "" {
		query = idea.IdeaID
	}
	target := idea.Target.Normalized()

	datasets, err := b.catalog.DatasetsForTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load datasets: %w", err)
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w %s/%d/%s: run seed-catalog first",
			ErrNoDatasets, target.Region, target.Delay, target.Universe)
	}
	fieldRows, err := b.catalog.FieldsForTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("load data fields: %w", err)
	}
	fields := fieldRows[:0:0]
	for _, f := range fieldRows {
		if f.ID != "" && f.DatasetID != "" && allowedFieldTypes[strings.ToUpper(f.Type)] {
			fields = append(fields, f)
		}
	}
	operators, err := b.catalog.Operators(ctx)
	if err != nil {
		return nil, fmt.Errorf("load operators: %w", err)
	}

	retriever := b.retrieverFor(target, operators, datasets, fields)

	var dsScores, fieldScores, opScores map[string]float64
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { dsScores = retriever.Score(groupDatasets, query); return nil })
	g.Go(func() error { fieldScores = retriever.Score(groupFields, query); return nil })
	g.Go(func() error { opScores = retriever.Score(groupOperators, query); return nil })
	_ = g.Wait()

	subcatScores := b.rankSubcategories(query, datasets)
	exploitSubs, exploreSubs := b.selectSubcategories(subcatScores)
	selectedSubs := mergeUnique(exploitSubs, exploreSubs)

	exploitDS, exploreDS := b.selectDatasetsByLane(datasets, dsScores, exploitSubs, exploreSubs)
	exploitFields, exploreFields := b.selectFieldsByLane(fields, fieldScores,
		datasetIDs(exploitDS), datasetIDs(exploreDS))
	exploitOps, exploreOps := b.selectOperatorsByLane(operators, opScores)

	candidateDatasets := mergeDatasets(exploitDS, exploreDS)
	candidateFields := mergeFields(exploitFields, exploreFields)
	candidateOperators := mergeOperators(exploitOps, exploreOps)

	lanes := map[string]LaneSelection{
		LaneExploit: {FieldIDs: fieldIDList(exploitFields), OperatorNames: operatorNameList(exploitOps)},
		LaneExplore: {FieldIDs: fieldIDList(exploreFields), OperatorNames: operatorNameList(exploreOps)},
	}

	graph := b.buildVisualGraph(idea, query, subcatScores, exploitSubs, exploreSubs,
		candidateDatasets, candidateFields, candidateOperators)

	guard := ContextGuard{
		FullMetadataBlocked: true,
		Rules: []string{
			"Use only selected_subcategories and candidate_* lists in downstream prompts.",
			"Do not include full operators/datasets/data-fields dumps in prompts.",
			"If repeated validation errors hit threshold, expand retrieval via expansion_policy.",
		},
		MaxItems: map[string]int{
			"datasets":  b.budget.Exploit.Datasets + b.budget.Explore.Datasets,
			"fields":    b.budget.Exploit.Fields + b.budget.Explore.Fields,
			"operators": b.budget.Exploit.Operators + b.budget.Explore.Operators,
		},
	}

	estimate := estimateTokens(map[string]any{
		"query":                  query,
		"target":                 target,
		"selected_subcategories": selectedSubs,
		"candidate_datasets":     candidateDatasets,
		"candidate_fields":       candidateFields,
		"candidate_operators":    candidateOperators,
		"context_guard":          guard,
	})

	pack := &Pack{
		IdeaID:                idea.IdeaID,
		Query:                 query,
		Target:                target,
		SelectedSubcategories: selectedSubs,
		CandidateDatasets:     candidateDatasets,
		CandidateFields:       candidateFields,
		CandidateOperators:    candidateOperators,
		Lanes:                 lanes,
		VisualGraph:           graph,
		TokenEstimate:         estimate,
		BudgetPolicy: map[string]any{
			"exploit_ratio": b.budget.ExploitRatio,
			"explore_ratio": b.budget.ExploreRatio,
			"exploit":       b.budget.Exploit,
			"explore":       b.budget.Explore,
		},
		ExpansionPolicy: b.budget.Expansion,
		ContextGuard:    guard,
		Telemetry: Telemetry{
			RetrievalMS: time.Since(start).Milliseconds(),
			CandidateCounts: map[string]int{
				"subcategories": len(selectedSubs),
				"datasets":      len(candidateDatasets),
				"fields":        len(candidateFields),
				"operators":     len(candidateOperators),
			},
		},
	}
	b.logger.Debug("retrieval pack built",
		zap.String("idea_id", idea.IdeaID),
		zap.Int("datasets", len(candidateDatasets)),
		zap.Int("fields", len(candidateFields)),
		zap.Int("operators", len(candidateOperators)))
	return pack, nil
}

func (b *Builder) retrieverFor(target schema.SimulationTarget, ops []schema.OperatorMeta, datasets []schema.Dataset, fields []schema.DataField) *Retriever {
	key := fmt.Sprintf("%s/%d/%s", target.Region, target.Delay, target.Universe)
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	if r, ok := b.cache.m[key]; ok {
		return r
	}
	r := NewRetriever(ops, datasets, fields)
	b.cache.m[key] = r
	return r
}

// ============================================================================
// SUBCATEGORY RANKING
// ============================================================================

type subcatCard struct {
	ID           string
	Name         string
	Category     string
	Meaning      string
	DatasetCount int
	Score        float64
}

func (b *Builder) rankSubcategories(query string, datasets []schema.Dataset) []subcatCard {
	byID := map[string]*subcatCard{}
	var order []string
	for _, d := range datasets {
		id := d.Subcategory
		if id == "" {
			id = "unknown"
		}
		card, ok := byID[id]
		if !ok {
			card = &subcatCard{ID: id, Name: id, Category: "uncategorized"}
			if g, ok := b.glossary[id]; ok {
				if g.Name != "" {
					card.Name = g.Name
				}
				card.Meaning = g.Meaning
			}
			byID[id] = card
			order = append(order, id)
		}
		card.DatasetCount++
	}

	queryTokens := tokenize(query)
	docs := make([][]string, len(order))
	for i, id := range order {
		card := byID[id]
		docs[i] = tokenize(strings.Join([]string{card.ID, card.Name, card.Category, card.Meaning}, " "))
	}
	df := map[string]int{}
	for _, doc := range docs {
		seen := map[string]bool{}
		for _, t := range doc {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	out := make([]subcatCard, 0, len(order))
	for i, id := range order {
		card := *byID[id]
		card.Score = idfOverlap(queryTokens, docs[i], df, len(docs))
		out = append(out, card)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DatasetCount > out[j].DatasetCount
	})
	return out
}

func idfOverlap(queryTokens, docTokens []string, df map[string]int, corpusSize int) float64 {
	if len(queryTokens) == 0 || len(docTokens) == 0 {
		return 0
	}
	docSet := map[string]bool{}
	for _, t := range docTokens {
		docSet[t] = true
	}
	score := 0.0
	for _, t := range queryTokens {
		if !docSet[t] {
			continue
		}
		d := df[t]
		if d < 1 {
			d = 1
		}
		score += logRatio(corpusSize+1, d+1) + 1.0
	}
	return score
}

func (b *Builder) selectSubcategories(ranked []subcatCard) (exploit, explore []string) {
	exploitK := max1(b.budget.Exploit.Subcategories)
	exploreK := max1(b.budget.Explore.Subcategories)

	for _, card := range ranked {
		exploit = append(exploit, card.ID)
		if len(exploit) >= exploitK {
			break
		}
	}
	taken := toSet(exploit)
	var remaining []subcatCard
	for _, card := range ranked {
		if !taken[card.ID] {
			remaining = append(remaining, card)
		}
	}
	// Low-frequency subcategories first: that is the explore lane's job.
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].DatasetCount != remaining[j].DatasetCount {
			return remaining[i].DatasetCount < remaining[j].DatasetCount
		}
		return remaining[i].Score > remaining[j].Score
	})
	for _, card := range remaining {
		explore = append(explore, card.ID)
		if len(explore) >= exploreK {
			break
		}
	}
	if len(explore) == 0 && len(exploit) > 0 {
		explore = []string{exploit[len(exploit)-1]}
	}
	return exploit, explore
}

// ============================================================================
// LANE SELECTION
// ============================================================================

func (b *Builder) selectDatasetsByLane(datasets []schema.Dataset, hitScores map[string]float64, exploitSubs, exploreSubs []string) (exploit, explore []DatasetCandidate) {
	quality := map[string]float64{}
	for _, d := range datasets {
		quality[d.ID] = d.ValueScore*4.0 + d.Coverage*2.0 + float64(d.FieldCount)*0.01 + float64(d.UserCount)*0.001
	}
	qualityNorm := normalizeMap(quality)
	hitNorm := normalizeMap(hitScores)
	blend := func(id string) float64 {
		return 0.8*hitNorm[id] + 0.2*qualityNorm[id]
	}

	lanePick := func(subs []string, k int, lane string) []DatasetCandidate {
		subSet := toSet(subs)
		var rows []schema.Dataset
		for _, d := range datasets {
			if subSet[subcatOrUnknown(d.Subcategory)] {
				rows = append(rows, d)
			}
		}
		if len(rows) == 0 {
			rows = datasets
		}
		ranked := append([]schema.Dataset(nil), rows...)
		sort.SliceStable(ranked, func(i, j int) bool {
			bi, bj := blend(ranked[i].ID), blend(ranked[j].ID)
			if bi != bj {
				return bi > bj
			}
			return ranked[i].FieldCount > ranked[j].FieldCount
		})
		var out []DatasetCandidate
		for _, d := range ranked {
			out = append(out, DatasetCandidate{
				ID:            d.ID,
				Name:          nameOr(d.Name, d.ID),
				SubcategoryID: subcatOrUnknown(d.Subcategory),
				Lane:          lane,
				Score:         round4(clip01(blend(d.ID))),
			})
			if len(out) >= k {
				break
			}
		}
		return out
	}

	exploit = lanePick(exploitSubs, b.budget.Exploit.Datasets, LaneExploit)
	explore = lanePick(exploreSubs, b.budget.Explore.Datasets, LaneExplore)

	// Explore must not come up empty while the pool has rows: fall back to
	// the least-used datasets.
	if len(explore) == 0 {
		fallback := append([]schema.Dataset(nil), datasets...)
		sort.SliceStable(fallback, func(i, j int) bool {
			if fallback[i].FieldCount != fallback[j].FieldCount {
				return fallback[i].FieldCount < fallback[j].FieldCount
			}
			return fallback[i].ValueScore > fallback[j].ValueScore
		})
		taken := map[string]bool{}
		for _, x := range exploit {
			taken[x.ID] = true
		}
		for _, d := range fallback {
			if taken[d.ID] {
				continue
			}
			explore = append(explore, DatasetCandidate{
				ID:            d.ID,
				Name:          nameOr(d.Name, d.ID),
				SubcategoryID: subcatOrUnknown(d.Subcategory),
				Lane:          LaneExplore,
				Score:         round4(qualityNorm[d.ID]),
			})
			if len(explore) >= b.budget.Explore.Datasets {
				break
			}
		}
	}
	return exploit, explore
}

func (b *Builder) selectFieldsByLane(fields []schema.DataField, hitScores map[string]float64, exploitDatasets, exploreDatasets []string) (exploit, explore []FieldCandidate) {
	hitNorm := normalizeMap(hitScores)
	quality := map[string]float64{}
	for _, f := range fields {
		quality[f.ID] = float64(f.AlphaCount)*0.7 + f.Coverage*0.3
	}
	qualityNorm := normalizeMap(quality)
	blend := func(id string) float64 {
		return 0.85*hitNorm[id] + 0.15*qualityNorm[id]
	}

	lanePick := func(laneDatasets []string, k, lane int) []FieldCandidate {
		laneName := LaneExploit
		if lane == 1 {
			laneName = LaneExplore
		}
		dsSet := toSet(laneDatasets)
		if len(dsSet) == 0 {
			for _, f := range fields {
				dsSet[f.DatasetID] = true
			}
		}
		var rows []schema.DataField
		for _, f := range fields {
			if dsSet[f.DatasetID] {
				rows = append(rows, f)
			}
		}
		sort.SliceStable(rows, func(i, j int) bool {
			bi, bj := blend(rows[i].ID), blend(rows[j].ID)
			if bi != bj {
				return bi > bj
			}
			return typePriority(rows[i].Type) > typePriority(rows[j].Type)
		})
		var out []FieldCandidate
		seen := map[string]bool{}
		for _, f := range rows {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, FieldCandidate{
				ID:        f.ID,
				DatasetID: f.DatasetID,
				Type:      f.Type,
				Lane:      laneName,
				Score:     round4(clip01(blend(f.ID))),
			})
			if len(out) >= k {
				break
			}
		}
		return out
	}

	exploit = lanePick(exploitDatasets, b.budget.Exploit.Fields, 0)
	explore = lanePick(exploreDatasets, b.budget.Explore.Fields, 1)

	if len(explore) == 0 {
		fallback := append([]schema.DataField(nil), fields...)
		sort.SliceStable(fallback, func(i, j int) bool {
			return fallback[i].AlphaCount < fallback[j].AlphaCount
		})
		taken := map[string]bool{}
		for _, x := range exploit {
			taken[x.ID] = true
		}
		for _, f := range fallback {
			if taken[f.ID] {
				continue
			}
			explore = append(explore, FieldCandidate{
				ID:        f.ID,
				DatasetID: f.DatasetID,
				Type:      f.Type,
				Lane:      LaneExplore,
				Score:     round4(qualityNorm[f.ID]),
			})
			if len(explore) >= b.budget.Explore.Fields {
				break
			}
		}
	}
	return exploit, explore
}

func (b *Builder) selectOperatorsByLane(operators []schema.OperatorMeta, hitScores map[string]float64) (exploit, explore []OperatorCandidate) {
	hitNorm := normalizeMap(hitScores)
	byName := map[string]schema.OperatorMeta{}
	var names []string
	categoryCounts := map[string]int{}
	for _, op := range operators {
		if op.Name == "" {
			continue
		}
		if _, ok := byName[op.Name]; !ok {
			names = append(names, op.Name)
		}
		byName[op.Name] = op
		cat := op.Category
		if cat == "" {
			cat = "uncategorized"
		}
		categoryCounts[cat]++
	}
	catCount := func(name string) int {
		cat := byName[name].Category
		if cat == "" {
			cat = "uncategorized"
		}
		if c, ok := categoryCounts[cat]; ok {
			return c
		}
		return 1
	}

	ranked := append([]string(nil), names...)
	sort.SliceStable(ranked, func(i, j int) bool {
		hi, hj := hitNorm[ranked[i]], hitNorm[ranked[j]]
		if hi != hj {
			return hi > hj
		}
		return catCount(ranked[i]) < catCount(ranked[j])
	})

	exploitNames := ranked
	if len(exploitNames) > b.budget.Exploit.Operators {
		exploitNames = exploitNames[:b.budget.Exploit.Operators]
	}
	used := toSet(exploitNames)

	var rest []string
	for _, n := range ranked {
		if !used[n] {
			rest = append(rest, n)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		ci, cj := catCount(rest[i]), catCount(rest[j])
		if ci != cj {
			return ci < cj
		}
		return hitNorm[rest[i]] > hitNorm[rest[j]]
	})
	exploreNames := rest
	if len(exploreNames) > b.budget.Explore.Operators {
		exploreNames = exploreNames[:b.budget.Explore.Operators]
	}

	toModels := func(names []string, lane string) []OperatorCandidate {
		var out []OperatorCandidate
		for _, n := range names {
			op := byName[n]
			out = append(out, OperatorCandidate{
				Name:       n,
				Definition: op.Definition,
				Scope:      append([]string(nil), op.Scope...),
				Category:   op.Category,
				Lane:       lane,
				Score:      round4(clip01(hitNorm[n])),
			})
		}
		return out
	}
	return toModels(exploitNames, LaneExploit), toModels(exploreNames, LaneExplore)
}

// ============================================================================
// HELPERS
// ============================================================================

func datasetIDs(in []DatasetCandidate) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		out = append(out, d.ID)
	}
	return out
}

func fieldIDList(in []FieldCandidate) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		out = append(out, f.ID)
	}
	return out
}

func operatorNameList(in []OperatorCandidate) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		out = append(out, o.Name)
	}
	return out
}

func mergeDatasets(first, second []DatasetCandidate) []DatasetCandidate {
	seen := map[string]bool{}
	var out []DatasetCandidate
	for _, d := range append(append([]DatasetCandidate(nil), first...), second...) {
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out
}

func mergeFields(first, second []FieldCandidate) []FieldCandidate {
	seen := map[string]bool{}
	var out []FieldCandidate
	for _, f := range append(append([]FieldCandidate(nil), first...), second...) {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}

func mergeOperators(first, second []OperatorCandidate) []OperatorCandidate {
	seen := map[string]bool{}
	var out []OperatorCandidate
	for _, o := range append(append([]OperatorCandidate(nil), first...), second...) {
		if seen[o.Name] {
			continue
		}
		seen[o.Name] = true
		out = append(out, o)
	}
	return out
}

func mergeUnique(first, second []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string(nil), first...), second...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toSet(in []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range in {
		out[s] = true
	}
	return out
}

func subcatOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func typePriority(fieldType string) int {
	switch strings.ToUpper(fieldType) {
	case schema.FieldTypeMatrix:
		return 3
	case schema.FieldTypeGroup:
		return 2
	case schema.FieldTypeVector:
		return 1
	}
	return 0
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
