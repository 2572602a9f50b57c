package schema

import (
	"sort"
	"strings"
)

// JoinPlan is an ordered sequence of relation edges connecting a set of
// target entities, plus any bridging entities required to connect them.
// Every edge in the plan exists in the source graph; the plan is
// acyclic and visits no entity twice.
type JoinPlan struct {
	Entities []string `json:"entities"`
	Edges    []*Edge  `json:"edges"`
}

// DefaultMaxHops bounds join-path search. Entities further apart are
// treated as disconnected.
const DefaultMaxHops = 4

// ResolveJoinPaths computes the minimum-weight connecting subgraph over
// the mentioned entities using iterative shortest-path merging:
// pairwise shortest paths, merge the cheapest pair first, repeat. An
// exact Steiner tree is not attempted. If mentions fall into
// disconnected components (no path within maxHops), one JoinPlan per
// component is returned rather than an error; the generator decides
// whether multiple result sets are needed.
//
// The result is deterministic for identical input: ties in path weight
// break on fewer hops, then lexicographic entity-name order.
func ResolveJoinPaths(g *Graph, entities []string, maxHops int) []JoinPlan {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	targets := dedupeSorted(entities)
	if len(targets) == 0 {
		return nil
	}

	adj := buildAdjacency(g)

	// Each mentioned entity starts as its own component.
	comps := make([]*component, len(targets))
	for i, name := range targets {
		comps[i] = &component{nodes: map[string]bool{name: true}}
	}

	// Merge the cheapest connectable pair until nothing connects.
	for len(comps) > 1 {
		best := pathResult{}
		bi, bj := -1, -1
		for i := 0; i < len(comps); i++ {
			for j := i + 1; j < len(comps); j++ {
				p := shortestBetween(adj, comps[i], comps[j], maxHops)
				if !p.found {
					continue
				}
				if bi < 0 || p.less(best) {
					best, bi, bj = p, i, j
				}
			}
		}
		if bi < 0 {
			break // remaining components are disconnected
		}

		comps[bi].absorb(comps[bj], best)
		comps = append(comps[:bj], comps[bj+1:]...)
	}

	plans := make([]JoinPlan, 0, len(comps))
	for _, c := range comps {
		plans = append(plans, c.plan())
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].Entities[0] < plans[j].Entities[0]
	})
	return plans
}

type neighbor struct {
	node string
	edge *Edge
}

// buildAdjacency treats the graph as undirected and weighted, restricted
// to its relation edges. Neighbor lists are sorted so traversal order,
// and therefore tie-breaking, is reproducible.
func buildAdjacency(g *Graph) map[string][]neighbor {
	adj := make(map[string][]neighbor)
	for _, e := range g.Edges {
		adj[e.SourceEntity] = append(adj[e.SourceEntity], neighbor{node: e.TargetEntity, edge: e})
		adj[e.TargetEntity] = append(adj[e.TargetEntity], neighbor{node: e.SourceEntity, edge: e})
	}
	for node := range adj {
		ns := adj[node]
		sort.Slice(ns, func(i, j int) bool {
			if ns[i].node != ns[j].node {
				return ns[i].node < ns[j].node
			}
			return ns[i].edge.String() < ns[j].edge.String()
		})
	}
	return adj
}

type pathResult struct {
	found  bool
	weight int
	hops   int
	key    string // joined node names, for deterministic tie-breaking
	nodes  []string
	edges  []*Edge
}

// less orders candidate paths by weight, then hop count, then entity
// name order.
func (p pathResult) less(other pathResult) bool {
	if p.weight != other.weight {
		return p.weight < other.weight
	}
	if p.hops != other.hops {
		return p.hops < other.hops
	}
	return p.key < other.key
}

// shortestBetween finds the cheapest path from any node of a to any
// node of b within the hop limit. Dijkstra with tuple ordering; graphs
// here are small so the simple O(V^2) scan is fine.
func shortestBetween(adj map[string][]neighbor, a, b *component, maxHops int) pathResult {
	type state struct {
		weight int
		hops   int
		key    string
		nodes  []string
		edges  []*Edge
	}

	starts := a.sortedNodes()
	bestDone := pathResult{}

	for _, start := range starts {
		dist := map[string]state{start: {nodes: []string{start}, key: start}}
		visited := map[string]bool{}

		for {
			// Pick the unvisited node with the smallest (weight, hops, key).
			cur := ""
			var cs state
			for node, s := range dist {
				if visited[node] {
					continue
				}
				if cur == "" || less(s.weight, s.hops, s.key, cs.weight, cs.hops, cs.key) {
					cur, cs = node, s
				}
			}
			if cur == "" {
				break
			}
			visited[cur] = true

			if b.nodes[cur] {
				p := pathResult{found: true, weight: cs.weight, hops: cs.hops, key: cs.key, nodes: cs.nodes, edges: cs.edges}
				if !bestDone.found || p.less(bestDone) {
					bestDone = p
				}
				break
			}
			if cs.hops >= maxHops {
				continue
			}

			for _, n := range adj[cur] {
				if containsNode(cs.nodes, n.node) {
					continue
				}
				cand := state{
					weight: cs.weight + n.edge.Weight,
					hops:   cs.hops + 1,
					nodes:  appendCopy(cs.nodes, n.node),
					edges:  appendEdgeCopy(cs.edges, n.edge),
				}
				cand.key = strings.Join(cand.nodes, "\x00")
				if prev, ok := dist[n.node]; !ok || less(cand.weight, cand.hops, cand.key, prev.weight, prev.hops, prev.key) {
					dist[n.node] = cand
				}
			}
		}
	}

	return bestDone
}

func less(w1, h1 int, k1 string, w2, h2 int, k2 string) bool {
	if w1 != w2 {
		return w1 < w2
	}
	if h1 != h2 {
		return h1 < h2
	}
	return k1 < k2
}

type component struct {
	nodes map[string]bool
	edges []*Edge
}

func (c *component) sortedNodes() []string {
	names := make([]string, 0, len(c.nodes))
	for n := range c.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// absorb merges other into c along the connecting path.
func (c *component) absorb(other *component, p pathResult) {
	for n := range other.nodes {
		c.nodes[n] = true
	}
	for _, n := range p.nodes {
		c.nodes[n] = true
	}
	c.edges = append(c.edges, other.edges...)
	for _, e := range p.edges {
		if !containsEdge(c.edges, e) {
			c.edges = append(c.edges, e)
		}
	}
}

func (c *component) plan() JoinPlan {
	plan := JoinPlan{Entities: c.sortedNodes()}
	edges := make([]*Edge, len(c.edges))
	copy(edges, c.edges)
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].String() < edges[j].String()
	})
	plan.Edges = edges
	return plan
}

func dedupeSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func containsNode(nodes []string, name string) bool {
	for _, n := range nodes {
		if n == name {
			return true
		}
	}
	return false
}

func containsEdge(edges []*Edge, e *Edge) bool {
	for _, x := range edges {
		if x == e {
			return true
		}
	}
	return false
}

func appendCopy(s []string, v string) []string {
	out := make([]string, len(s)+1)
	copy(out, s)
	out[len(s)] = v
	return out
}

func appendEdgeCopy(s []*Edge, e *Edge) []*Edge {
	out := make([]*Edge, len(s)+1)
	copy(out, s)
	out[len(s)] = e
	return out
}
