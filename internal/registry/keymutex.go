package registry

import (
	"hash/fnv"
	"sync"
)

// keyMutex serializes work per device key without a global lock. Keys are
// hashed onto a fixed set of stripes; unrelated devices land on different
// stripes and never contend (modulo hash collisions, which only cost
// throughput, not correctness).
type keyMutex struct {
	stripes []sync.Mutex
}

func newKeyMutex(n int) *keyMutex {
	if n < 1 {
		n = 1
	}
	return &keyMutex{stripes: make([]sync.Mutex, n)}
}

func (k *keyMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m
}
