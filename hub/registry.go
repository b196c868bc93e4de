package hub

import (
	"sort"
	"sync"
)

// registry is a concurrent map of live sessions keyed by session id.
type registry[V any] struct {
	m sync.Map
}

func (r *registry[V]) store(id uint32, v V) {
	r.m.Store(id, v)
}

func (r *registry[V]) load(id uint32) (V, bool) {
	v, found := r.m.Load(id)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// remove deletes id only if it still maps to v.
func (r *registry[V]) remove(id uint32, v V) {
	r.m.CompareAndDelete(id, v)
}

func (r *registry[V]) take(id uint32) (V, bool) {
	v, found := r.m.LoadAndDelete(id)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// snapshot returns the entries ordered by id.
func (r *registry[V]) snapshot() []V {
	var ids []uint32
	byID := make(map[uint32]V)
	r.m.Range(func(k, v any) bool {
		id := k.(uint32)
		ids = append(ids, id)
		byID[id] = v.(V)
		return true
	})

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]V, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}

	return out
}

func (r *registry[V]) len() int {
	n := 0
	r.m.Range(func(any, any) bool {
		n++
		return true
	})

	return n
}
