package policy

import (
	"stratum/internal/core"
	"stratum/internal/stream"
	"stratum/internal/trace"
)

// DFS explores the primary space of every node depth first, in the order
// the elements are produced. Zero bounds mean unbounded.
type DFS struct {
	MaxDepth     int
	MaxBranching int
}

func (d DFS) Search(tree *core.Tree, env *Env) stream.Stream {
	return func(yield func(stream.Event) bool) {
		d.search(tree, env, 0, yield)
	}
}

// search returns false once the consumer stops.
func (d DFS) search(tree *core.Tree, env *Env, depth int, yield func(stream.Event) bool) bool {
	switch tree.Node.(type) {
	case *core.Success:
		v, _ := tree.SuccessValue("")
		return yield(stream.Solution(v))
	case *core.Failure:
		return true
	}
	if d.MaxDepth > 0 && depth >= d.MaxDepth {
		return true
	}
	space, ok := core.FindSpace(tree.Node, tree.Node.PrimarySpace())
	if !ok {
		env.Log(trace.SeverityWarn, "dfs: node has no primary space", map[string]any{"node": tree.Node.EffectName()}, tree)
		return true
	}
	branches := 0
	for ev := range env.Open(tree, space, d) {
		if ev.Kind != stream.KindSolution {
			if !yield(ev) {
				return false
			}
			continue
		}
		child, err := tree.Child(ev.Value)
		if err != nil {
			env.Log(trace.SeverityError, "strategy exception", map[string]any{"error": err.Error()}, tree)
			continue
		}
		if !d.search(child, env, depth+1, yield) {
			return false
		}
		branches++
		if d.MaxBranching > 0 && branches >= d.MaxBranching {
			break
		}
	}
	return true
}
