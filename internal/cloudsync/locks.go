package cloudsync

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serializes work on a record key. Keys hash onto a fixed set of
// mutexes, so unrelated keys may occasionally share one.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(collection, key string) func() {
	h := fnv.New32a()
	h.Write([]byte(collection)) //nolint:errcheck
	h.Write([]byte{0})          //nolint:errcheck
	h.Write([]byte(key))        //nolint:errcheck
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
