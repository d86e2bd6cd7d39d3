package continuity

// TrackKey identifies a local track within the whole job.
type TrackKey struct {
	ChunkIndex   int `json:"chunk_index"`
	LocalTrackID int `json:"local_track_id"`
}

// unionFind is a disjoint-set forest over track keys with path compression and
// union by rank. Accepted seam matches are unioned so identity chains spanning
// more than two chunks collapse into one set.
type unionFind struct {
	parent map[TrackKey]TrackKey
	rank   map[TrackKey]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[TrackKey]TrackKey),
		rank:   make(map[TrackKey]int),
	}
}

// add registers a key as its own set if it is not yet known.
func (u *unionFind) add(k TrackKey) {
	if _, ok := u.parent[k]; !ok {
		u.parent[k] = k
	}
}

// find returns the set representative for k, compressing paths along the way.
func (u *unionFind) find(k TrackKey) TrackKey {
	u.add(k)
	root := k
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[k] != root {
		k, u.parent[k] = u.parent[k], root
	}
	return root
}

// union merges the sets containing a and b.
func (u *unionFind) union(a, b TrackKey) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
