package crumb

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"

	"airboat/internal/geo"
)

// DefaultSpacing is the travel distance between dropped crumbs and the
// maximum edge length between neighbours, in meters.
const DefaultSpacing = 10.0

// Crumb is one recorded location. ID is its index in the arena.
type Crumb struct {
	ID   int      `json:"id"`
	Pose geo.Pose `json:"pose"`
}

// Arena stores breadcrumbs by index along with the pairwise distance table
// and neighbour lists. It is owned by whoever constructs it and shared by
// reference.
//
// Safe for concurrent use.
type Arena struct {
	spacing float64

	mu        sync.RWMutex
	crumbs    []Crumb
	dist      [][]float64 // dist[i][j] for j < i
	neighbors [][]int
	unsent    map[int]struct{}
}

func NewArena(spacing float64) *Arena {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Arena{spacing: spacing, unsent: map[int]struct{}{}}
}

func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.crumbs)
}

func (a *Arena) Get(id int) (Crumb, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if id < 0 || id >= len(a.crumbs) {
		return Crumb{}, false
	}
	return a.crumbs[id], true
}

// Observe drops a new crumb when p is at least one spacing away from the
// last crumb (or when the arena is empty). Returns the new crumb ID or -1.
func (a *Arena) Observe(p geo.Pose) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.crumbs); n > 0 {
		last := a.crumbs[n-1].Pose
		if last.Origin == p.Origin && geo.PlanarDistanceSq(last, p) < a.spacing*a.spacing {
			return -1
		}
	}
	return a.addLocked(p)
}

// Add inserts a crumb unconditionally.
func (a *Arena) Add(p geo.Pose) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addLocked(p)
}

func (a *Arena) addLocked(p geo.Pose) int {
	id := len(a.crumbs)
	a.crumbs = append(a.crumbs, Crumb{ID: id, Pose: p})
	row := make([]float64, id)
	a.neighbors = append(a.neighbors, nil)
	for j := 0; j < id; j++ {
		d := a.distance(a.crumbs[j].Pose, p)
		row[j] = d
		if d <= a.spacing {
			a.neighbors[id] = append(a.neighbors[id], j)
			a.neighbors[j] = append(a.neighbors[j], id)
		}
	}
	a.dist = append(a.dist, row)
	a.unsent[id] = struct{}{}
	return id
}

func (a *Arena) distance(p, q geo.Pose) float64 {
	if p.Origin != q.Origin {
		return math.Inf(1)
	}
	return math.Sqrt(geo.PlanarDistanceSq(p, q))
}

func (a *Arena) distanceLocked(i, j int) (float64, error) {
	n := len(a.crumbs)
	if i < 0 || j < 0 || i >= n || j >= n {
		return 0, fmt.Errorf("crumb: index out of range (%d,%d) n=%d", i, j, n)
	}
	switch {
	case i == j:
		return 0, nil
	case j < i:
		return a.dist[i][j], nil
	default:
		return a.dist[j][i], nil
	}
}

// findOrAddLocked returns the nearest crumb within one spacing of p, adding
// p as a new crumb when there is none.
func (a *Arena) findOrAddLocked(p geo.Pose) int {
	best, bestD := -1, math.Inf(1)
	for i, c := range a.crumbs {
		if d := a.distance(c.Pose, p); d < bestD {
			best, bestD = i, d
		}
	}
	if best >= 0 && bestD <= a.spacing {
		return best
	}
	return a.addLocked(p)
}

// Unsent returns IDs not yet acknowledged by a downstream consumer, in
// ascending order.
func (a *Arena) Unsent() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]int, 0, len(a.unsent))
	for id := range a.unsent {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (a *Arena) Acknowledge(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.unsent, id)
}

// StraightHome records start and goal on the trail and returns the direct
// leg to goal.
func (a *Arena) StraightHome(start, goal geo.Pose) []geo.Pose {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findOrAddLocked(start)
	a.findOrAddLocked(goal)
	return []geo.Pose{goal}
}

// AStar searches the neighbour graph from the crumb nearest start to the
// crumb nearest goal. Either end is added as a crumb only when no existing
// crumb lies within one spacing. ok is false when goal is unreachable.
func (a *Arena) AStar(start, goal geo.Pose) (path []int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.findOrAddLocked(start)
	g := a.findOrAddLocked(goal)
	return a.searchLocked(s, g)
}

func (a *Arena) searchLocked(start, goal int) ([]int, bool) {
	n := len(a.crumbs)
	gScore := make([]float64, n)
	parent := make([]int, n)
	closed := make([]bool, n)
	for i := range gScore {
		gScore[i] = math.Inf(1)
		parent[i] = -1
	}
	h := func(i int) float64 {
		d, _ := a.distanceLocked(i, goal)
		return d
	}

	open := &openSet{}
	gScore[start] = 0
	heap.Push(open, openItem{id: start, f: h(start)})

	for open.Len() > 0 {
		cur := heap.Pop(open).(openItem).id
		if closed[cur] {
			continue
		}
		if cur == goal {
			path := []int{goal}
			for p := parent[goal]; p != -1; p = parent[p] {
				path = append([]int{p}, path...)
			}
			return path, true
		}
		closed[cur] = true
		for _, nb := range a.neighbors[cur] {
			if closed[nb] {
				continue
			}
			d, _ := a.distanceLocked(cur, nb)
			tentative := gScore[cur] + d
			if tentative < gScore[nb] {
				gScore[nb] = tentative
				parent[nb] = cur
				heap.Push(open, openItem{id: nb, f: tentative + h(nb)})
			}
		}
	}
	return nil, false
}

// Route plans a path along the breadcrumb graph. The returned poses exclude
// the start and end exactly at goal. ok is false when the graph does not
// connect them; callers fall back to StraightHome.
func (a *Arena) Route(start, goal geo.Pose) ([]geo.Pose, bool) {
	ids, ok := a.AStar(start, goal)
	if !ok {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]geo.Pose, 0, len(ids))
	for _, id := range ids[1:] {
		out = append(out, a.crumbs[id].Pose)
	}
	if n := len(out); n == 0 {
		out = append(out, goal)
	} else {
		out[n-1] = goal
	}
	return out, true
}

type openItem struct {
	id int
	f  float64
}

type openSet []openItem

func (o openSet) Len() int           { return len(o) }
func (o openSet) Less(i, j int) bool { return o[i].f < o[j].f }
func (o openSet) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }
func (o *openSet) Push(x any)        { *o = append(*o, x.(openItem)) }
func (o *openSet) Pop() any {
	old := *o
	it := old[len(old)-1]
	*o = old[:len(old)-1]
	return it
}
