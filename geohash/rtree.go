package geohash

import (
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
)

// pointTolerance is the half-width of the box that stands in for a point.
const pointTolerance = 1e-9

// Item is a named coordinate stored in a Tree.
type Item struct {
	ID  string
	Lat float64
	Lon float64
}

// Bounds satisfies rtreego.Spatial.
func (i *Item) Bounds() rtreego.Rect {
	return rtreego.Point{i.Lat, i.Lon}.ToRect(pointTolerance)
}

// Match is an item found by a radius search.
type Match struct {
	Item
	DistanceKm float64
}

// Tree is an R-tree of named points keyed by ID. Putting an ID that is
// already present moves it.
type Tree struct {
	lock  sync.Mutex
	rtree *rtreego.Rtree
	items map[string]*Item
}

func NewTree() *Tree {
	return &Tree{
		rtree: rtreego.NewTree(2, 25, 50),
		items: make(map[string]*Item),
	}
}

func (t *Tree) Put(id string, lat, lon float64) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if old, ok := t.items[id]; ok {
		t.rtree.Delete(old)
	}
	item := &Item{ID: id, Lat: lat, Lon: lon}
	t.rtree.Insert(item)
	t.items[id] = item
}

func (t *Tree) Delete(id string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	old, ok := t.items[id]
	if !ok {
		return false
	}
	t.rtree.Delete(old)
	delete(t.items, id)
	return true
}

func (t *Tree) Get(id string) (Item, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	item, ok := t.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

func (t *Tree) Contains(id string) bool {
	_, ok := t.Get(id)
	return ok
}

// IDs returns every stored ID in lexical order.
func (t *Tree) IDs() []string {
	t.lock.Lock()
	defer t.lock.Unlock()
	ids := make([]string, 0, len(t.items))
	for id := range t.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Within returns the items no farther than radiusKm from the centre,
// nearest first. The R-tree narrows candidates to a bounding box; the
// haversine distance decides.
func (t *Tree) Within(lat, lon, radiusKm float64) []Match {
	t.lock.Lock()
	defer t.lock.Unlock()

	dLat := radiusKm / 111.0
	cos := math.Cos(lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-6 {
		dLon = math.Min(180, radiusKm/(111.0*cos))
	}
	box, err := rtreego.NewRectFromPoints(
		rtreego.Point{lat - dLat, lon - dLon},
		rtreego.Point{lat + dLat, lon + dLon},
	)
	if err != nil {
		return nil
	}

	var out []Match
	for _, s := range t.rtree.SearchIntersect(box) {
		item := s.(*Item)
		d := DistanceKm(lat, lon, item.Lat, item.Lon)
		if d <= radiusKm {
			out = append(out, Match{Item: *item, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}
