package hotrelay

// connRecord is the per-descriptor state the spec calls a "connection
// record". Records are never moved or copied once allocated; everything
// that needs to reach one again (the peer index, a peer cache, the
// reactor's own dispatch table) does so through its stable id, never
// through a Go pointer captured ahead of time and never through the raw
// fd, which the kernel is free to recycle the instant it is closed.
type connRecord struct {
	id       connID
	kind     Kind
	fd       int
	uid      UID
	readBuf  []byte
	used     int
	refcount int
	cache    *peerCache
	addr     string // listeners only: human-readable bind address
}

type connID uint64

// connTable is the arena: the single owner of every live connection
// record, keyed by a monotonically increasing id rather than by fd so
// that a record pending deallocation (refcount > 0 after its descriptor
// is already closed) can never collide with a freshly accepted
// connection that the kernel handed the same fd number.
type connTable struct {
	records map[connID]*connRecord
	byFd    map[int]connID
	nextID  connID
}

func newConnTable() *connTable {
	return &connTable{
		records: make(map[connID]*connRecord, 256),
		byFd:    make(map[int]connID, 256),
	}
}

// allocate creates a record with refcount 1, owned by the reactor.
func (t *connTable) allocate(kind Kind, fd int, bufCapacity int) *connRecord {
	t.nextID++
	rec := &connRecord{
		id:       t.nextID,
		kind:     kind,
		fd:       fd,
		uid:      UnsetUID,
		readBuf:  make([]byte, bufCapacity),
		refcount: 1,
		cache:    newPeerCache(),
	}
	t.records[rec.id] = rec
	t.byFd[fd] = rec.id
	return rec
}

func (t *connTable) lookup(id connID) (*connRecord, bool) {
	rec, ok := t.records[id]
	return rec, ok
}

func (t *connTable) lookupByFd(fd int) (*connRecord, bool) {
	id, ok := t.byFd[fd]
	if !ok {
		return nil, false
	}
	return t.lookup(id)
}

// ref adds one reference, taken when a peer cache adopts this record.
func (t *connTable) ref(id connID) {
	if rec, ok := t.records[id]; ok {
		rec.refcount++
	}
}

// forgetFd removes the fd->id mapping without touching the record or
// its refcount. Call this at teardown, right before closing the
// descriptor, so a kernel-recycled fd number can never resolve to a
// record that is only still alive because a peer cache elsewhere has
// not yet released it.
func (t *connTable) forgetFd(fd int) {
	delete(t.byFd, fd)
}

// release drops one reference and deallocates the record once it reaches
// zero. Deallocation is simply removal from the map: the record and its
// buffer become garbage once nothing else references the id.
func (t *connTable) release(id connID) {
	rec, ok := t.records[id]
	if !ok {
		return
	}
	rec.refcount--
	if rec.refcount <= 0 {
		delete(t.records, id)
	}
}

func (t *connTable) count() int {
	return len(t.records)
}
