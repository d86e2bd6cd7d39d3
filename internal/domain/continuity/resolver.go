package continuity

import "sort"

// DefaultThreshold is the default minimum cosine similarity for accepting that a
// tail track and a head track are the same physical entity. Chosen to separate
// same-identity re-detections from distinct entities on the embedding models in
// use; tune alongside the overlap window.
const DefaultThreshold = 0.72

// GlobalIdentityMap assigns every (chunk_index, local_track_id) a global track
// id. It is consumed only to render a consistent overlay across chunk seams; it
// never gates chunk completion or job progress.
type GlobalIdentityMap map[TrackKey]int

// candidate is one cross-seam pairing under consideration.
type candidate struct {
	tail       TrackKey
	head       TrackKey
	similarity float64
}

// Resolve builds the global identity map from per-chunk boundary summaries,
// indexed by chunk index. For each adjacent pair (i, i+1) it matches chunk i's
// tail set against chunk i+1's head set greedily in descending similarity order,
// one-to-one, accepting matches at or above the threshold and restricted to equal
// class labels. Matched pairs are unioned so identities chain across the full
// sequence; unmatched tracks start new identities.
//
// The result is deterministic given the same summaries: candidates are ordered
// with explicit tie-breaks and global ids are assigned by first appearance in
// (chunk index, local track id) order, so permuting chunk completion order
// changes nothing.
func Resolve(boundaries map[int]BoundaryTracks, threshold float64) GlobalIdentityMap {
	uf := newUnionFind()

	indices := make([]int, 0, len(boundaries))
	for idx := range boundaries {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	// Register every local track, matched or not.
	for _, idx := range indices {
		b := boundaries[idx]
		for _, t := range b.Head {
			uf.add(TrackKey{ChunkIndex: idx, LocalTrackID: t.LocalTrackID})
		}
		for _, t := range b.Tail {
			uf.add(TrackKey{ChunkIndex: idx, LocalTrackID: t.LocalTrackID})
		}
	}

	for _, idx := range indices {
		next, ok := boundaries[idx+1]
		if !ok {
			continue
		}
		matchSeam(uf, idx, boundaries[idx].Tail, next.Head, threshold)
	}

	return assignGlobalIDs(uf)
}

// matchSeam performs greedy one-to-one matching between one chunk's tail set and
// the next chunk's head set.
func matchSeam(uf *unionFind, tailChunk int, tail, head []TrackSummary, threshold float64) {
	var candidates []candidate
	for _, t := range tail {
		for _, h := range head {
			if t.ClassLabel != h.ClassLabel {
				continue
			}
			sim := CosineSimilarity(t.Embedding, h.Embedding)
			if sim < threshold {
				continue
			}
			candidates = append(candidates, candidate{
				tail:       TrackKey{ChunkIndex: tailChunk, LocalTrackID: t.LocalTrackID},
				head:       TrackKey{ChunkIndex: tailChunk + 1, LocalTrackID: h.LocalTrackID},
				similarity: sim,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		if candidates[i].tail.LocalTrackID != candidates[j].tail.LocalTrackID {
			return candidates[i].tail.LocalTrackID < candidates[j].tail.LocalTrackID
		}
		return candidates[i].head.LocalTrackID < candidates[j].head.LocalTrackID
	})

	usedTail := make(map[TrackKey]bool)
	usedHead := make(map[TrackKey]bool)
	for _, c := range candidates {
		if usedTail[c.tail] || usedHead[c.head] {
			continue
		}
		usedTail[c.tail] = true
		usedHead[c.head] = true
		uf.union(c.tail, c.head)
	}
}

// assignGlobalIDs numbers each disjoint set by first appearance, scanning chunks
// in index order and local ids ascending.
func assignGlobalIDs(uf *unionFind) GlobalIdentityMap {
	keys := make([]TrackKey, 0, len(uf.parent))
	for k := range uf.parent {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ChunkIndex != keys[j].ChunkIndex {
			return keys[i].ChunkIndex < keys[j].ChunkIndex
		}
		return keys[i].LocalTrackID < keys[j].LocalTrackID
	})

	result := make(GlobalIdentityMap, len(keys))
	rootID := make(map[TrackKey]int)
	nextID := 0
	for _, k := range keys {
		root := uf.find(k)
		id, ok := rootID[root]
		if !ok {
			id = nextID
			nextID++
			rootID[root] = id
		}
		result[k] = id
	}
	return result
}
