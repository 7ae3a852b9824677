package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/realmsup/internal/ir"
)

// SupervisionWarning represents a supervision loop between supervisors.
//
// A supervisor can itself be a component with a fault handler. Loops are
// warnings, not errors: the protocol still works, but a fault in the loop
// is reported to a supervisor that may already be dead.
type SupervisionWarning struct {
	Path    []string `json:"path"`    // Loop path: ["sup-a", "sup-b", "sup-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeSupervision finds supervisors that transitively supervise
// themselves.
//
// The algorithm:
//  1. Build supervisor → supervised-supervisor edges from fault_handler
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop
//
// A forest of supervisors returns an empty warning list.
func AnalyzeSupervision(t *ir.Topology) []SupervisionWarning {
	graph := buildSupervisionGraph(t)
	if len(graph) == 0 {
		return []SupervisionWarning{}
	}

	warnings := []SupervisionWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, sccToWarning(scc, graph))
		}
	}

	// Tarjan's output order follows map iteration; sort for stable output.
	sort.Slice(warnings, func(i, j int) bool {
		return warnings[i].Path[0] < warnings[j].Path[0]
	})
	return warnings
}

// supervisionGraph maps supervisor → supervisors it supervises.
type supervisionGraph map[string][]string

func buildSupervisionGraph(t *ir.Topology) supervisionGraph {
	graph := make(supervisionGraph)
	isSupervisor := make(map[string]bool, len(t.Supervisors))
	for _, s := range t.Supervisors {
		isSupervisor[s.Name] = true
		graph[s.Name] = []string{}
	}

	for _, c := range t.Components {
		if c.FaultHandler == "" || !isSupervisor[c.Name] || !isSupervisor[c.FaultHandler] {
			continue
		}
		graph[c.FaultHandler] = append(graph[c.FaultHandler], c.Name)
	}
	for node := range graph {
		sort.Strings(graph[node])
	}
	return graph
}

func hasSelfLoop(node string, graph supervisionGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
func tarjanSCC(graph supervisionGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop the stack into an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sccToWarning(scc []string, graph supervisionGraph) SupervisionWarning {
	sort.Strings(scc)
	if len(scc) == 1 {
		return SupervisionWarning{
			Path:    []string{scc[0], scc[0]},
			Message: fmt.Sprintf("Supervisor supervises itself: %s → %s", scc[0], scc[0]),
			Level:   "warning",
		}
	}

	path := reconstructLoopPath(scc, graph)
	return SupervisionWarning{
		Path:    path,
		Message: fmt.Sprintf("Supervision loop detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// reconstructLoopPath walks SCC members from the first node until it
// returns to it.
func reconstructLoopPath(scc []string, graph supervisionGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
