package typesystem

import (
	openfgav1 "github.com/openfga/api/proto/openfga/v1"
)

// Goal names a set of objects: those whose (Type, Relation) userset
// contains some subject. Reverse-index resolution works over goals.
type Goal struct {
	Type     string
	Relation string
}

func (g Goal) String() string {
	return g.Type + "#" + g.Relation
}

// ReachEdgeKind classifies how objects flow into a goal.
type ReachEdgeKind int

const (
	// EdgeComputed propagates objects unchanged: membership in From
	// implies membership in the target goal on the same object.
	EdgeComputed ReachEdgeKind = iota
	// EdgeUserset hops through a userset subject: for each object m of
	// From, tuples with subject m#From.Relation on the goal's relation
	// produce goal objects.
	EdgeUserset
	// EdgeTTU hops through a tuple-to-userset: for each object m of
	// From, tuples with plain subject m on TuplesetRelation produce
	// goal objects.
	EdgeTTU
)

// ReachEdge is an in-edge of a goal node.
type ReachEdge struct {
	Kind ReachEdgeKind
	From Goal
	// TuplesetRelation is the relation scanned for EdgeTTU hops.
	TuplesetRelation string
}

// ReachNode describes how a goal's objects are discovered: direct tuple
// scans (when the relation admits them) plus in-edges from other goals.
type ReachNode struct {
	Goal Goal
	// This reports whether the goal's rewrite reaches a direct tuple
	// section, making seed scans on (Goal.Type, Goal.Relation) useful.
	This bool
	// Restrictions are the allowed direct subject types when This is
	// set. The resolver seeds only subject forms the model can store.
	Restrictions []DirectRestriction
	Edges        []ReachEdge
}

// ReachabilityGraph is the plan for resolving one reverse-index target:
// every goal whose objects can contribute, with the edges between them.
// Candidates it yields are a superset wherever intersection, exclusion
// or wildcards are involved; the capability flags on the target relation
// tell the caller when to confirm with a full check.
type ReachabilityGraph struct {
	Target Goal
	Nodes  map[Goal]*ReachNode
}

// Node returns the node for a goal, or nil.
func (g *ReachabilityGraph) Node(goal Goal) *ReachNode {
	return g.Nodes[goal]
}

// ReachabilityGraph builds the resolution plan for (objectType,
// relation). Intersection contributes only its first operand and
// difference only its base: results must appear there, and the
// confirmation pass discards the overshoot.
func (ts *Typesystem) ReachabilityGraph(objectType, relation string) (*ReachabilityGraph, error) {
	if _, err := ts.GetRelation(objectType, relation); err != nil {
		return nil, err
	}
	graph := &ReachabilityGraph{
		Target: Goal{Type: objectType, Relation: relation},
		Nodes:  make(map[Goal]*ReachNode),
	}
	ts.buildReachNode(graph, graph.Target)
	return graph, nil
}

func (ts *Typesystem) buildReachNode(graph *ReachabilityGraph, goal Goal) {
	if _, ok := graph.Nodes[goal]; ok {
		return
	}
	node := &ReachNode{Goal: goal}
	graph.Nodes[goal] = node

	t, ok := ts.types[goal.Type]
	if !ok {
		return
	}
	rel, ok := t.relations[goal.Relation]
	if !ok {
		return
	}
	ts.reachRewrite(graph, node, rel, rel.rewrite)
}

func (ts *Typesystem) reachRewrite(graph *ReachabilityGraph, node *ReachNode, rel *relationDef, rewrite *openfgav1.Userset) {
	goal := node.Goal
	switch rw := rewrite.GetUserset().(type) {
	case *openfgav1.Userset_This:
		node.This = true
		node.Restrictions = rel.direct
		for _, r := range rel.direct {
			if r.Relation == "" {
				continue
			}
			from := Goal{Type: r.Type, Relation: r.Relation}
			node.addEdge(ReachEdge{Kind: EdgeUserset, From: from})
			ts.buildReachNode(graph, from)
		}
	case *openfgav1.Userset_ComputedUserset:
		from := Goal{Type: goal.Type, Relation: rw.ComputedUserset.GetRelation()}
		node.addEdge(ReachEdge{Kind: EdgeComputed, From: from})
		ts.buildReachNode(graph, from)
	case *openfgav1.Userset_TupleToUserset:
		tupleset := rw.TupleToUserset.GetTupleset().GetRelation()
		computed := rw.TupleToUserset.GetComputedUserset().GetRelation()
		restrictions, err := ts.DirectRestrictions(goal.Type, tupleset)
		if err != nil {
			return
		}
		for _, r := range restrictions {
			if r.Relation != "" || r.Wildcard {
				continue
			}
			from := Goal{Type: r.Type, Relation: computed}
			node.addEdge(ReachEdge{Kind: EdgeTTU, From: from, TuplesetRelation: tupleset})
			ts.buildReachNode(graph, from)
		}
	case *openfgav1.Userset_Union:
		for _, child := range rw.Union.GetChild() {
			ts.reachRewrite(graph, node, rel, child)
		}
	case *openfgav1.Userset_Intersection:
		if children := rw.Intersection.GetChild(); len(children) > 0 {
			ts.reachRewrite(graph, node, rel, children[0])
		}
	case *openfgav1.Userset_Difference:
		ts.reachRewrite(graph, node, rel, rw.Difference.GetBase())
	}
}

func (n *ReachNode) addEdge(edge ReachEdge) {
	for _, existing := range n.Edges {
		if existing == edge {
			return
		}
	}
	n.Edges = append(n.Edges, edge)
}
