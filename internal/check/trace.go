package check

// Trace node kinds, one per rewrite shape plus the two resolution
// shortcuts.
const (
	TraceDirect       = "direct"
	TraceComputed     = "computed_userset"
	TraceTTU          = "tuple_to_userset"
	TraceUnion        = "union"
	TraceIntersection = "intersection"
	TraceDifference   = "difference"
	TraceCycle        = "cycle"
	TraceMemo         = "memo"
)

// Trace is one node of a resolution trace: which goal was evaluated,
// through which rewrite, with what outcome. Children are the
// sub-evaluations that were actually consumed; branches cancelled by
// short-circuiting do not appear.
type Trace struct {
	Goal     string   `json:"goal"`
	Kind     string   `json:"kind"`
	Allowed  bool     `json:"allowed"`
	Children []*Trace `json:"children,omitempty"`
}

func newTrace(goal, kind string, allowed bool, children ...*Trace) *Trace {
	t := &Trace{Goal: goal, Kind: kind, Allowed: allowed}
	for _, c := range children {
		if c != nil {
			t.Children = append(t.Children, c)
		}
	}
	return t
}
