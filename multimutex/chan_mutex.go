package multimutex

import (
	"fmt"
	"sync"

	"github.com/dlcnode/coordinator/chantypes"
)

// cntMutex is a mutex with a count of the goroutines holding or waiting for
// it, letting us garbage collect entries once the last waiter is done.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// ChanMutex keeps track of a set of mutexes keyed by channel id. It is used
// to make sure at most one protocol transition executes per channel at a
// time, while transitions for distinct channels proceed in parallel.
type ChanMutex struct {
	// mutexes maps a channel id to the cntMutex shared by all callers
	// requesting access for that channel.
	mutexes map[chantypes.ChannelID]*cntMutex

	// mapMtx synchronizes concurrent access to the mutexes map.
	mapMtx sync.Mutex
}

// NewChanMutex creates a new ChanMutex.
func NewChanMutex() *ChanMutex {
	return &ChanMutex{
		mutexes: make(map[chantypes.ChannelID]*cntMutex),
	}
}

// Lock locks the mutex for the given channel id. If the mutex is already
// locked for this id, Lock blocks until it is available.
func (c *ChanMutex) Lock(id chantypes.ChannelID) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[id]
	if ok {
		// One more goroutine is now waiting for this mutex.
		mtx.cnt++
	} else {
		// No other goroutine holds the mutex for this channel, so we
		// create a fresh one with count 1 and add it to the map.
		mtx = &cntMutex{
			cnt: 1,
		}
		c.mutexes[id] = mtx
	}
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock unlocks the mutex for the given channel id. It is a run-time error
// if the mutex is not locked for the id on entry to Unlock.
func (c *ChanMutex) Unlock(id chantypes.ChannelID) {
	c.mapMtx.Lock()

	mtx, ok := c.mutexes[id]
	if !ok {
		panic(fmt.Sprintf("double unlock for channel %v", id))
	}

	// Decrement the counter. If it goes to zero this caller was the last
	// one waiting for the mutex and the entry can be removed. This is
	// safe under mapMtx: all other goroutines interested in the mutex
	// have already incremented the count, or will create a new entry.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, id)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}
