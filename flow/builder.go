package flow

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowrx/flowrx-go/flow/task"
)

// Build materialises a persisted job tree into reactive nodes and wires
// their streams together. The root must be a job; every leaf kind must be
// resolvable through the registry, and resolution failures abort the build
// before any task is mutated.
//
// A nil registry falls back to the process-wide default.
func Build(root *task.Task, kinds *task.KindRegistry) (map[uuid.UUID]Node, error) {
	if root == nil {
		return nil, fmt.Errorf("build: root task is nil")
	}
	if root.Type != task.TypeJob {
		return nil, fmt.Errorf("build: root task %q is not a job", root.Name)
	}
	if kinds == nil {
		kinds = task.Kinds
	}

	nodes := make(map[uuid.UUID]Node)
	stack := []*task.Task{root}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := nodes[t.ID]; dup {
			return nil, fmt.Errorf("build: task %s appears twice in the tree", t.ID)
		}

		if t.Type == task.TypeJob {
			nodes[t.ID] = NewJobNode(t)
		} else {
			action, err := kinds.Resolve(t.Kind)
			if err != nil {
				return nil, fmt.Errorf("build task %q: %w", t.Name, err)
			}
			nodes[t.ID] = NewTaskNode(t, action)
		}
		stack = append(stack, t.Children...)
	}

	for id, node := range nodes {
		t := node.Task()
		if t.ParentID != nil {
			parent, ok := nodes[*t.ParentID].(*JobNode)
			if !ok {
				return nil, fmt.Errorf("build: task %s has non-job parent %s", id, *t.ParentID)
			}
			setParent(node, parent)
			parent.children = append(parent.children, node)
		}
		for _, up := range t.Upstream() {
			upNode, ok := nodes[up.ID]
			if !ok {
				// Edges are intra-job, so an endpoint missing from the
				// map is a stale row; the edge is dropped rather than
				// failing the build.
				continue
			}
			appendUpstream(node, upNode)
		}
	}

	if err := checkAcyclic(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func setParent(n Node, parent *JobNode) {
	switch v := n.(type) {
	case *JobNode:
		v.parent = parent
	case *TaskNode:
		v.parent = parent
	}
}

func appendUpstream(n Node, up Node) {
	switch v := n.(type) {
	case *JobNode:
		v.upstream = append(v.upstream, up)
	case *TaskNode:
		v.upstream = append(v.upstream, up)
	}
}

// checkAcyclic rejects cycles in the dependency edges. Construction-time
// checks cover in-process graphs; this guards against cyclic data loaded
// from a store.
func checkAcyclic(nodes map[uuid.UUID]Node) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[uuid.UUID]int, len(nodes))

	var visit func(n Node) error
	visit = func(n Node) error {
		id := n.Task().ID
		switch color[id] {
		case grey:
			return fmt.Errorf("build: dependency cycle through task %q", n.Task().Name)
		case black:
			return nil
		}
		color[id] = grey
		for _, up := range upstreamOf(n) {
			if err := visit(up); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, n := range nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func upstreamOf(n Node) []Node {
	switch v := n.(type) {
	case *JobNode:
		return v.upstream
	case *TaskNode:
		return v.upstream
	}
	return nil
}
