package retrieval

import "alphaforge/internal/schema"

const (
	maxDroppedSubcatNodes = 3
	laneEdgeFanout        = 8
	searchingFieldCount   = 20
)

// buildVisualGraph assembles the UI graph: idea -> subcategories -> datasets
// -> fields, plus operator nodes and per-lane field/operator support edges.
// Nodes and edges are deduplicated; a few dropped subcategories are kept so
// the UI can show what retrieval rejected.
func (b *Builder) buildVisualGraph(
	idea schema.IdeaSpec,
	query string,
	subcatScores []subcatCard,
	exploitSubs, exploreSubs []string,
	datasets []DatasetCandidate,
	fields []FieldCandidate,
	operators []OperatorCandidate,
) VisualGraph {
	var nodes []VisualGraphNode
	var edges []VisualGraphEdge

	ideaNode := "idea:" + idea.IdeaID
	label := query
	if len(label) > 120 {
		label = label[:120]
	}
	if label == "" {
		label = idea.IdeaID
	}
	nodes = append(nodes, VisualGraphNode{
		ID: ideaNode, Type: "idea", Label: label,
		Lane: LaneExploit, State: StateSelected, Score: 1.0,
	})

	rawScores := map[string]float64{}
	for _, card := range subcatScores {
		rawScores[card.ID] = card.Score
	}
	scoreNorm := normalizeMap(rawScores)
	exploitSet := toSet(exploitSubs)
	exploreSet := toSet(exploreSubs)

	dropped := 0
	for _, card := range subcatScores {
		lane, state := LaneExplore, StateDropped
		switch {
		case exploitSet[card.ID]:
			lane, state = LaneExploit, StateSelected
		case exploreSet[card.ID]:
			lane, state = LaneExplore, StateSelected
		default:
			if dropped >= maxDroppedSubcatNodes {
				continue
			}
			dropped++
		}
		nodes = append(nodes, VisualGraphNode{
			ID: "subcategory:" + card.ID, Type: "subcategory", Label: card.Name,
			Lane: lane, State: state, Score: round4(clip01(scoreNorm[card.ID])),
		})
		weight := 0.2
		if state == StateSelected {
			weight = scoreNorm[card.ID]
		}
		edges = append(edges, VisualGraphEdge{
			Source: ideaNode, Target: "subcategory:" + card.ID,
			Kind: EdgeRetrievalMatch, Weight: round4(clip01(weight)),
		})
	}

	for _, ds := range datasets {
		nodes = append(nodes, VisualGraphNode{
			ID: "dataset:" + ds.ID, Type: "dataset", Label: ds.Name,
			Lane: ds.Lane, State: StateSelected, Score: round4(clip01(ds.Score)),
		})
		edges = append(edges, VisualGraphEdge{
			Source: "subcategory:" + ds.SubcategoryID, Target: "dataset:" + ds.ID,
			Kind: EdgeContainsDataset, Weight: round4(clip01(ds.Score)),
		})
	}

	for i, f := range fields {
		state := StateSelected
		if i < searchingFieldCount {
			state = StateSearching
		}
		nodes = append(nodes, VisualGraphNode{
			ID: "field:" + f.ID, Type: "field", Label: f.ID,
			Lane: f.Lane, State: state, Score: round4(clip01(f.Score)),
		})
		edges = append(edges, VisualGraphEdge{
			Source: "dataset:" + f.DatasetID, Target: "field:" + f.ID,
			Kind: EdgeContainsField, Weight: round4(clip01(f.Score)),
		})
	}

	for _, op := range operators {
		nodes = append(nodes, VisualGraphNode{
			ID: "operator:" + op.Name, Type: "operator", Label: op.Name,
			Lane: op.Lane, State: StateSelected, Score: round4(clip01(op.Score)),
		})
	}

	for _, lane := range []string{LaneExploit, LaneExplore} {
		var laneFields []FieldCandidate
		for _, f := range fields {
			if f.Lane == lane {
				laneFields = append(laneFields, f)
				if len(laneFields) >= laneEdgeFanout {
					break
				}
			}
		}
		var laneOps []OperatorCandidate
		for _, op := range operators {
			if op.Lane == lane {
				laneOps = append(laneOps, op)
				if len(laneOps) >= laneEdgeFanout {
					break
				}
			}
		}
		for _, f := range laneFields {
			for _, op := range laneOps {
				edges = append(edges, VisualGraphEdge{
					Source: "field:" + f.ID, Target: "operator:" + op.Name,
					Kind: EdgeSupportsOperator, Weight: round4(clip01(0.5*f.Score + 0.5*op.Score)),
				})
			}
		}
	}

	seenNodes := map[string]bool{}
	dedupNodes := nodes[:0:0]
	for _, n := range nodes {
		if seenNodes[n.ID] {
			continue
		}
		seenNodes[n.ID] = true
		dedupNodes = append(dedupNodes, n)
	}
	type edgeKey struct{ src, dst, kind string }
	seenEdges := map[edgeKey]bool{}
	dedupEdges := edges[:0:0]
	for _, e := range edges {
		k := edgeKey{e.Source, e.Target, e.Kind}
		if seenEdges[k] {
			continue
		}
		seenEdges[k] = true
		dedupEdges = append(dedupEdges, e)
	}
	return VisualGraph{Version: "v1", Nodes: dedupNodes, Edges: dedupEdges}
}
