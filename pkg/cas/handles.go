package cas

import "sort"

// QueryHandle tracks one active result set (spec.md §3 "Query handle").
// Its fields are mutated only by fetch, under the session's single-flight
// action-queue discipline (§5) — never concurrently.
type QueryHandle struct {
	ID         int32
	Total      int32
	Current    int32
	Columns    []ColumnDescriptor
	LastPage   []Row
}

// Done reports whether every tuple of the result set has been fetched.
func (h *QueryHandle) Done() bool { return h.Current >= h.Total }

// handleRegistry is the session's list of open query handles (spec.md
// §3). It is a small sorted slice keyed by handle ID: CAS sessions hold at
// most a handful of open handles at once, so binary-search lookup with
// slice-shifting insert/delete is both simpler and faster here than a tree, and ascending iteration order
// is needed only for deterministic teardown (§4.3 Closing state).
type handleRegistry struct {
	handles []*QueryHandle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{}
}

func (r *handleRegistry) indexOf(id int32) int {
	return sort.Search(len(r.handles), func(i int) bool {
		return r.handles[i].ID >= id
	})
}

// insert adds a newly-executed handle, keeping handles sorted by ID.
func (r *handleRegistry) insert(h *QueryHandle) {
	i := r.indexOf(h.ID)
	r.handles = append(r.handles, nil)
	copy(r.handles[i+1:], r.handles[i:])
	r.handles[i] = h
}

// find returns the handle with the given ID, or nil if not present.
func (r *handleRegistry) find(id int32) *QueryHandle {
	i := r.indexOf(id)
	if i < len(r.handles) && r.handles[i].ID == id {
		return r.handles[i]
	}
	return nil
}

// remove deletes the handle with the given ID, if present.
func (r *handleRegistry) remove(id int32) {
	i := r.indexOf(id)
	if i < len(r.handles) && r.handles[i].ID == id {
		r.handles = append(r.handles[:i], r.handles[i+1:]...)
	}
}

// all returns every open handle in ascending ID order, for teardown.
func (r *handleRegistry) all() []*QueryHandle {
	out := make([]*QueryHandle, len(r.handles))
	copy(out, r.handles)
	return out
}

func (r *handleRegistry) len() int { return len(r.handles) }
