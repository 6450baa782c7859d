package multiplex

// table is the in-flight table of one connection. A cancelled id stays
// behind as a tombstone so that frames for it which were already on the wire
// can be told apart from frames for ids that were never issued.
type table[E any] struct {
	live      map[uint64]*E
	cancelled map[uint64]struct{}
}

func newTable[E any]() table[E] {
	return table[E]{
		live:      map[uint64]*E{},
		cancelled: map[uint64]struct{}{},
	}
}

func (t *table[E]) get(id uint64) (*E, bool) {
	e, ok := t.live[id]
	return e, ok
}

// insert adds e under id, reviving the id if it had been cancelled.
func (t *table[E]) insert(id uint64, e *E) {
	delete(t.cancelled, id)
	t.live[id] = e
}

// remove takes id out of the table on completion. It reports false if id
// was not live, so that an exchange is never removed twice.
func (t *table[E]) remove(id uint64) bool {
	if _, ok := t.live[id]; !ok {
		return false
	}
	delete(t.live, id)
	return true
}

// cancel takes id out of the table and leaves a tombstone.
func (t *table[E]) cancel(id uint64) bool {
	if !t.remove(id) {
		return false
	}
	t.cancelled[id] = struct{}{}
	return true
}

// bury forgets the tombstone of id once the peer's last frame for it has
// arrived.
func (t *table[E]) bury(id uint64) { delete(t.cancelled, id) }

func (t *table[E]) wasCancelled(id uint64) bool {
	_, ok := t.cancelled[id]
	return ok
}

func (t *table[E]) len() int { return len(t.live) }
