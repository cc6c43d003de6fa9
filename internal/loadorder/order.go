// Package loadorder linearizes mods and plugins from a partial-order rule
// set. Four independent orderings vote, a weighted combination breaks ties,
// and a final constraint-respecting pass produces the published order.
package loadorder

import (
	"container/heap"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lodestone/internal/install"
	"lodestone/internal/paths"
)

// Mod is one installed mod considered for ordering.
type Mod struct {
	Name        string
	LogicalName string
	Folder      string
	MD5         string
}

// RuleKind is the direction of an ordering rule.
type RuleKind string

const (
	RuleBefore RuleKind = "before"
	RuleAfter  RuleKind = "after"
)

// Rule is one partial-order constraint between two mods. References resolve
// by logical name first, then by MD5.
type Rule struct {
	Kind       RuleKind
	SourceName string
	SourceMD5  string
	TargetName string
	TargetMD5  string
}

// Ensemble weights. The two constraint-respecting sorts dominate; plugin
// positions nudge; declaration order is the weakest signal.
const (
	weightDFS        = 2.0
	weightKahn       = 2.0
	weightPlugin     = 1.5
	weightCollection = 0.5
)

// noPluginPosition is the tiebreaker for mods that own no plugins: they
// trail. The plugin vote orders them among themselves by folder name; the
// Kahn vote by declaration order.
const noPluginPosition = int64(math.MaxInt64)

// Generator computes mod and plugin orderings.
type Generator struct {
	log install.Logger
}

// NewGenerator creates a load-order generator.
func NewGenerator(log install.Logger) *Generator {
	if log == nil {
		log = install.NewNopLogger()
	}
	return &Generator{log: log}
}

// ModOrder computes the final mod order: folder names, highest priority
// first. sortedPlugins is the plugin-sorter collaborator's output; modsDir
// is walked to discover which plugins each mod owns. The result is a pure
// function of the inputs.
func (g *Generator) ModOrder(mods []Mod, rules []Rule, sortedPlugins []string, modsDir string) []string {
	n := len(mods)
	if n == 0 {
		return nil
	}

	// Lookup maps: logical name first, MD5 as fallback.
	nameToIdx := make(map[string]int, n)
	md5ToName := make(map[string]string, n)
	folders := make([]string, n)
	for i, m := range mods {
		key := m.LogicalName
		if key == "" {
			key = m.Name
		}
		nameToIdx[key] = i

		folder := m.Folder
		if folder == "" {
			folder = m.Name
		}
		folders[i] = folder

		if m.MD5 != "" {
			md5ToName[m.MD5] = key
		}
	}

	pluginPos := pluginPositionMap(sortedPlugins)
	modPluginPos := make([]int64, n)
	for i, folder := range folders {
		modPluginPos[i] = modPluginPosition(modsDir, folder, pluginPos)
	}

	successors := make([][]int, n)
	predecessors := make([][]int, n)
	applied := 0
	for _, r := range rules {
		src, ok := resolveRef(r.SourceName, r.SourceMD5, nameToIdx, md5ToName)
		if !ok {
			continue
		}
		dst, ok := resolveRef(r.TargetName, r.TargetMD5, nameToIdx, md5ToName)
		if !ok {
			continue
		}
		switch r.Kind {
		case RuleBefore:
			// Source loads before target: source has lower priority.
			successors[src] = append(successors[src], dst)
			predecessors[dst] = append(predecessors[dst], src)
			applied++
		case RuleAfter:
			successors[dst] = append(successors[dst], src)
			predecessors[src] = append(predecessors[src], dst)
			applied++
		}
	}
	g.log.Debug("applied ordering rules", "applied", applied, "total", len(rules))

	// Vote 1: DFS from sinks.
	dfsOrder := g.dfsSort(folders, successors, predecessors)
	dfsPos := make(map[string]int, n)
	for i, folder := range dfsOrder {
		dfsPos[folder] = i
	}
	dfsRank := make([]int, n)
	for i, folder := range folders {
		if pos, ok := dfsPos[folder]; ok {
			dfsRank[i] = pos
		} else {
			dfsRank[i] = i
		}
	}

	// Vote 2: Kahn with the plugin-position tiebreaker.
	kahnIdx := kahnSort(n, successors, predecessors, modPluginPos)
	kahnRank := make([]int, n)
	for i, idx := range kahnIdx {
		kahnRank[idx] = i
	}

	// Vote 3: plugin positions alone; mods without plugins trail,
	// alphabetical by folder. Other ties keep declaration order.
	pluginIdx := make([]int, n)
	for i := range pluginIdx {
		pluginIdx[i] = i
	}
	sort.SliceStable(pluginIdx, func(a, b int) bool {
		pa, pb := modPluginPos[pluginIdx[a]], modPluginPos[pluginIdx[b]]
		if pa != pb {
			return pa < pb
		}
		if pa == noPluginPosition {
			return folders[pluginIdx[a]] < folders[pluginIdx[b]]
		}
		return false
	})
	pluginRank := make([]int, n)
	for i, idx := range pluginIdx {
		pluginRank[idx] = i
	}

	// Vote 4: declaration order is its own rank.

	totalWeight := weightDFS + weightKahn + weightPlugin + weightCollection
	score := make([]float64, n)
	for i := 0; i < n; i++ {
		score[i] = (weightDFS*float64(dfsRank[i]) +
			weightKahn*float64(kahnRank[i]) +
			weightPlugin*float64(pluginRank[i]) +
			weightCollection*float64(i)) / totalWeight
	}

	// Convert scores to integer ranks, index-stable.
	byScore := make([]int, n)
	for i := range byScore {
		byScore[i] = i
	}
	sort.SliceStable(byScore, func(a, b int) bool {
		if score[byScore[a]] != score[byScore[b]] {
			return score[byScore[a]] < score[byScore[b]]
		}
		return byScore[a] < byScore[b]
	})
	combined := make([]int64, n)
	for i, idx := range byScore {
		combined[idx] = int64(i)
	}

	// Final pass: Kahn again, combined rank as the priority, so every
	// non-cycle constraint holds in the output.
	finalIdx := kahnSort(n, successors, predecessors, combined)

	finalPos := make([]int, n)
	for i, idx := range finalIdx {
		finalPos[idx] = i
	}
	violations := 0
	for i := 0; i < n; i++ {
		for _, pred := range predecessors[i] {
			if finalPos[pred] > finalPos[i] {
				violations++
			}
		}
	}
	if violations > 0 {
		g.log.Warn("ordering constraints violated by cycles", "count", violations)
	}

	// The sort emits sources (lowest priority) first; the manifest wants
	// winners on top.
	result := make([]string, n)
	for i, idx := range finalIdx {
		result[n-1-i] = folders[idx]
	}
	return result
}

func resolveRef(name, md5 string, nameToIdx map[string]int, md5ToName map[string]string) (int, bool) {
	key := name
	if key == "" && md5 != "" {
		key = md5ToName[md5]
	}
	if key == "" {
		return 0, false
	}
	idx, ok := nameToIdx[key]
	return idx, ok
}

// dfsSort is an iterative post-order DFS from sinks, visiting predecessors.
// Cycles are broken by emitting the in-progress node and warning. Output is
// reversed so sinks (highest priority) come first.
func (g *Generator) dfsSort(folders []string, successors, predecessors [][]int) []string {
	n := len(folders)
	// visited states: 0 unvisited, 1 in progress, 2 done.
	visited := make([]int, n)
	sorted := make([]string, 0, n)
	hasCycle := false

	visit := func(start int) {
		type frame struct {
			node    int
			predIdx int
		}
		stack := []frame{{start, 0}}

		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if f.predIdx == 0 {
				if visited[f.node] == 2 {
					continue
				}
				if visited[f.node] == 1 {
					hasCycle = true
					continue
				}
				visited[f.node] = 1
			}

			pushed := false
			predIdx := f.predIdx
			for predIdx < len(predecessors[f.node]) {
				pred := predecessors[f.node][predIdx]
				predIdx++
				if visited[pred] == 0 {
					stack = append(stack, frame{f.node, predIdx})
					stack = append(stack, frame{pred, 0})
					pushed = true
					break
				}
				if visited[pred] == 1 {
					hasCycle = true
				}
			}

			if !pushed && predIdx >= len(predecessors[f.node]) {
				visited[f.node] = 2
				sorted = append(sorted, folders[f.node])
			}
		}
	}

	// Sinks first, tiebroken by folder name.
	sinks := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if len(successors[i]) == 0 {
			sinks = append(sinks, i)
		}
	}
	sort.Slice(sinks, func(a, b int) bool {
		return folders[sinks[a]] < folders[sinks[b]]
	})
	for _, sink := range sinks {
		if visited[sink] == 0 {
			visit(sink)
		}
	}

	// Disconnected components and cycle remnants.
	remaining := make([]int, 0)
	for i := 0; i < n; i++ {
		if visited[i] == 0 {
			remaining = append(remaining, i)
		}
	}
	sort.Slice(remaining, func(a, b int) bool {
		return folders[remaining[a]] < folders[remaining[b]]
	})
	for _, node := range remaining {
		if visited[node] == 0 {
			visit(node)
		}
	}

	if hasCycle {
		g.log.Warn("cycle detected in ordering rules; order broken at the cycle")
	}

	// Predecessors were emitted before dependents; reverse for top=winner.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted
}

// nodeHeap is the zero-in-degree frontier: lower tiebreaker pops first,
// index as the secondary key for determinism.
type nodeHeap struct {
	priority []int64
	index    []int
}

func (h *nodeHeap) Len() int { return len(h.index) }
func (h *nodeHeap) Less(a, b int) bool {
	if h.priority[a] != h.priority[b] {
		return h.priority[a] < h.priority[b]
	}
	return h.index[a] < h.index[b]
}
func (h *nodeHeap) Swap(a, b int) {
	h.priority[a], h.priority[b] = h.priority[b], h.priority[a]
	h.index[a], h.index[b] = h.index[b], h.index[a]
}
func (h *nodeHeap) Push(x any) {
	pair := x.([2]int64)
	h.priority = append(h.priority, pair[0])
	h.index = append(h.index, int(pair[1]))
}
func (h *nodeHeap) Pop() any {
	last := len(h.index) - 1
	idx := h.index[last]
	h.priority = h.priority[:last]
	h.index = h.index[:last]
	return idx
}

// kahnSort runs Kahn's algorithm with a priority-queue frontier. Cycle
// leftovers are appended sorted by tiebreaker so the result is always total.
func kahnSort(n int, successors, predecessors [][]int, tiebreak []int64) []int {
	inDegree := make([]int, n)
	for i := 0; i < n; i++ {
		inDegree[i] = len(predecessors[i])
	}

	ready := &nodeHeap{}
	heap.Init(ready)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			heap.Push(ready, [2]int64{tiebreak[i], int64(i)})
		}
	}

	result := make([]int, 0, n)
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		result = append(result, node)
		for _, succ := range successors[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				heap.Push(ready, [2]int64{tiebreak[succ], int64(succ)})
			}
		}
	}

	if len(result) < n {
		seen := make([]bool, n)
		for _, idx := range result {
			seen[idx] = true
		}
		remaining := make([]int, 0, n-len(result))
		for i := 0; i < n; i++ {
			if !seen[i] {
				remaining = append(remaining, i)
			}
		}
		sort.Slice(remaining, func(a, b int) bool {
			if tiebreak[remaining[a]] != tiebreak[remaining[b]] {
				return tiebreak[remaining[a]] < tiebreak[remaining[b]]
			}
			return remaining[a] < remaining[b]
		})
		result = append(result, remaining...)
	}

	return result
}

func pluginPositionMap(sortedPlugins []string) map[string]int64 {
	m := make(map[string]int64, len(sortedPlugins))
	for i, p := range sortedPlugins {
		m[strings.ToLower(p)] = int64(i)
	}
	return m
}

// modPluginPosition walks a mod's folder for plugin files and returns the
// earliest sorted position among them, or noPluginPosition when the mod owns
// none.
func modPluginPosition(modsDir, folder string, positions map[string]int64) int64 {
	if modsDir == "" {
		return noPluginPosition
	}
	root := filepath.Join(modsDir, folder)
	earliest := noPluginPosition

	filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch paths.Ext(d.Name()) {
		case "esp", "esm", "esl":
			if pos, ok := positions[strings.ToLower(d.Name())]; ok && pos < earliest {
				earliest = pos
			}
		}
		return nil
	})

	return earliest
}
