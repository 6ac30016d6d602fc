package engine

import "sync"

// liveTable holds the flow instances running in this process, keyed by uuid.
// The flow processor looks here first so a flow created by Start is not
// constructed a second time when its task is picked up.
type liveTable struct {
	mu   sync.Mutex
	byID map[string]*flowInstance
}

func newLiveTable() *liveTable {
	return &liveTable{byID: make(map[string]*flowInstance)}
}

// Add registers inst unless another instance already holds its uuid. It
// reports whether inst was added.
func (t *liveTable) Add(inst *flowInstance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[inst.uuid]; exists {
		return false
	}
	t.byID[inst.uuid] = inst
	return true
}

func (t *liveTable) Get(uuid string) *flowInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[uuid]
}

// Remove drops inst if it is still the registered instance for its uuid.
func (t *liveTable) Remove(inst *flowInstance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byID[inst.uuid] == inst {
		delete(t.byID, inst.uuid)
	}
}

func (t *liveTable) All() []*flowInstance {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*flowInstance, 0, len(t.byID))
	for _, inst := range t.byID {
		out = append(out, inst)
	}
	return out
}

func (t *liveTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
