package sv

import "v.io/x/lib/vlog"

// evidenceFunc is the C5 callback C4 invokes once per visited node-set. It
// returns the set of region ids whose contents were touched (for the
// free_nodes bookkeeping of §4.4's final cleanup pass).
type evidenceFunc func(snodes []int) []int

// BuildConnections implements C4: it drains the store's region graph one
// connected component at a time, visiting every edge exactly once per
// direction ("visit by consuming"), invoking evidence for each qualifying
// node-set, and finally erasing any touched region that ends up with fewer
// than opts.MinReadPair reads remaining.
func BuildConnections(store *Store, opts *Options, evidence evidenceFunc) {
	graph := store.Graph()
	freeNodes := map[int]struct{}{}

	// Snapshot the starting node set: the traversal below mutates graph as
	// it goes, so iterate over a fixed list of seeds rather than the live
	// map.
	seeds := make([]int, 0, len(graph))
	for u := range graph {
		seeds = append(seeds, u)
	}

	for _, seed := range seeds {
		if _, ok := graph[seed]; !ok {
			// Already drained as part of an earlier component.
			continue
		}
		tails := []int{seed}
		for len(tails) > 0 {
			var newtails []int
			for _, t := range tails {
				adj, ok := graph[t]
				if !ok {
					continue
				}
				// Consume every neighbor currently listed for t. adj is
				// mutated by RemoveEdge as we go (via store), so collect
				// the neighbor ids up front.
				neighbors := make([]int, 0, len(adj))
				for s := range adj {
					neighbors = append(neighbors, s)
				}
				for _, s := range neighbors {
					weight := store.EdgeWeight(t, s)
					store.RemoveEdge(t, s)
					if weight < opts.MinReadPair {
						continue
					}
					if !store.RegionExists(t) || !store.RegionExists(s) {
						continue
					}
					var snodes []int
					if t == s {
						snodes = []int{s}
					} else if t < s {
						snodes = []int{t, s}
					} else {
						snodes = []int{s, t}
					}
					newtails = append(newtails, s)
					vlog.VI(1).Infof("sv: visiting node-set %v weight %d", snodes, weight)
					for _, touched := range evidence(snodes) {
						freeNodes[touched] = struct{}{}
					}
				}
				store.RemoveNode(t)
			}
			tails = newtails
		}
	}

	for id := range freeNodes {
		if !store.RegionExists(id) {
			continue
		}
		if store.NumReads(id) < opts.MinReadPair {
			store.EraseRegion(id)
		}
	}
}
