package generate

import (
	"sync"

	"github.com/m-mizutani/plume/pkg/model"
)

// lockTable hands out one mutex per conversation so that turns within
// a conversation serialize while distinct conversations run in
// parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[model.ConversationID]*sync.Mutex
}

func (t *lockTable) get(id model.ConversationID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.locks == nil {
		t.locks = make(map[model.ConversationID]*sync.Mutex)
	}
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[id] = lock
	}
	return lock
}
