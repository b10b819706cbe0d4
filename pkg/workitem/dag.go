package workitem

import (
	"fmt"
	"sort"
	"strings"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// DependencyError reports a dependency id that does not resolve to a work
// item in the same goal.
type DependencyError struct {
	WorkItemID string
	Missing    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("work item %s depends on unknown work item %s", e.WorkItemID, e.Missing)
}

// CycleError reports a dependency cycle; Path holds the vertex sequence
// of the cycle, first vertex repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "Cycle detected: " + strings.Join(e.Path, " -> ")
}

// dfs coloring states.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current path
	colorBlack        // fully explored
)

// ValidateDAG checks a goal's work item graph: every dependency id must
// resolve within the goal, and the graph (edges dependency → dependent)
// must be acyclic. Any back edge found by the depth-first traversal is
// reported with the cycle's vertex sequence.
func ValidateDAG(items []*models.WorkItem) error {
	byID := make(map[string]*models.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	for _, item := range items {
		for _, dep := range item.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &DependencyError{WorkItemID: item.ID, Missing: dep}
			}
		}
	}

	color := make(map[string]int, len(items))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = colorGray
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case colorGray:
				// Back edge: slice the cycle out of the current path.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case colorWhite:
				if cerr := visit(dep); cerr != nil {
					return cerr
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	// Deterministic traversal order keeps the reported cycle stable.
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == colorWhite {
			if cerr := visit(id); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}
