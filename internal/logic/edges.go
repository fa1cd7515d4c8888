package logic

// Transition is the result of feeding a level into an Edge.
type Transition int

const (
	NoChange Transition = iota
	Rising
	Falling
)

// Edge detects changes of a boolean level. The level starts at the value
// given to NewEdge, so a condition already present at boot is reported as
// an edge on the first sample.
type Edge struct {
	level bool
}

// NewEdge creates an edge detector starting at the given level.
func NewEdge(initial bool) Edge {
	return Edge{level: initial}
}

// Update feeds the current level and returns the transition, if any.
func (e *Edge) Update(v bool) Transition {
	if v == e.level {
		return NoChange
	}
	e.level = v
	if v {
		return Rising
	}
	return Falling
}
