package hotrelay

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// peerCounters is the advisory telemetry kept per uid. Unlike the peer
// cache, losing an entry here under memory pressure is harmless, which
// is exactly the workload ristretto's admission policy is for.
type peerCounters struct {
	BytesSent     uint64
	BytesReceived uint64
	FramesSent    uint64
	FramesReceived uint64
	LastActive    int64
}

// telemetry is a bounded, sharded cache of per-uid traffic counters,
// read by the "stats" control command (the periodic status line does
// not use it). It has no interaction with the peer cache's exact-16,
// no-re-promotion MRU semantics in §4.C, which ristretto's hit-count
// eviction cannot reproduce; see DESIGN.md.
type telemetry struct {
	cache *ristretto.Cache
}

func newTelemetry() (*telemetry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &telemetry{cache: cache}, nil
}

func (t *telemetry) get(uid UID) peerCounters {
	if v, ok := t.cache.Get(uid); ok {
		return v.(peerCounters)
	}
	return peerCounters{}
}

func (t *telemetry) recordSent(uid UID, n int) {
	c := t.get(uid)
	c.BytesSent += uint64(n)
	c.FramesSent++
	c.LastActive = time.Now().UnixMilli()
	t.cache.Set(uid, c, 1)
}

func (t *telemetry) recordReceived(uid UID, n int) {
	c := t.get(uid)
	c.BytesReceived += uint64(n)
	c.FramesReceived++
	c.LastActive = time.Now().UnixMilli()
	t.cache.Set(uid, c, 1)
}

func (t *telemetry) snapshot(uids []UID) map[UID]peerCounters {
	out := make(map[UID]peerCounters, len(uids))
	for _, uid := range uids {
		if v, ok := t.cache.Get(uid); ok {
			out[uid] = v.(peerCounters)
		}
	}
	return out
}
