package stage

import "fmt"

// The pipeline: collect pulls posts from external sources, process runs the
// language model over them, render turns results into markdown, publish
// rebuilds the static site. Each stage owns one queue and relays completions
// to the next stage's queue.
const (
	Collect = "collect"
	Process = "process"
	Render  = "render"
	Publish = "publish"
)

// Stage describes one pipeline stage: the queue it consumes, the workload
// class its visibility timeouts are computed for, and the next stage.
type Stage struct {
	Name  string
	Queue string
	Class string
	Next  string
}

// Workload classes differ by an order of magnitude in processing time, so
// each gets its own visibility-timeout distribution.
var stages = map[string]Stage{
	Collect: {Name: Collect, Queue: "collect-requests", Class: "fetch", Next: Process},
	Process: {Name: Process, Queue: "process-requests", Class: "transform", Next: Render},
	Render:  {Name: Render, Queue: "render-requests", Class: "render", Next: Publish},
	Publish: {Name: Publish, Queue: "publish-requests", Class: "publish", Next: ""},
}

// Lookup resolves a stage by name.
func Lookup(name string) (Stage, error) {
	s, ok := stages[name]
	if !ok {
		return Stage{}, fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// Downstream returns the stage this one relays to, if any. Publish is the
// end of the chain.
func (s Stage) Downstream() (Stage, bool) {
	if s.Next == "" {
		return Stage{}, false
	}
	next, ok := stages[s.Next]
	return next, ok
}

// Names lists all stage names, in pipeline order.
func Names() []string {
	return []string{Collect, Process, Render, Publish}
}
