package dtx

import (
	"sort"
	"sync"

	"github.com/apex/log"
)

// fragmentState tracks one in-flight fragmented message, keyed by its
// identifier. Fragment 0 is header-only and creates the state; fragments
// 1..n-1 may arrive in any order.
type fragmentState struct {
	expected uint16
	received uint16
	parts    map[uint16][]byte
	total    int
}

type fragmentDecoder struct {
	mu      sync.Mutex
	pending map[uint32]*fragmentState
}

func newFragmentDecoder() *fragmentDecoder {
	return &fragmentDecoder{pending: make(map[uint32]*fragmentState)}
}

// add buffers one fragment and reports whether the message is complete.
func (d *fragmentDecoder) add(identifier uint32, index, count uint16, data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.pending[identifier]
	if !ok {
		state = &fragmentState{parts: make(map[uint16][]byte)}
		d.pending[identifier] = state
	}

	if index == 0 {
		state.expected = count
		state.received++
		log.Debugf("dtx: fragment start id=%d count=%d", identifier, count)
		return count == 1
	}

	if _, dup := state.parts[index]; dup {
		log.Debugf("dtx: duplicate fragment %d for id=%d", index, identifier)
		return false
	}
	state.parts[index] = data
	state.total += len(data)
	state.received++

	return state.expected > 0 && state.received >= state.expected
}

// assemble concatenates the buffered fragments in index order and drops the
// state. Index 0 carries no body and is skipped.
func (d *fragmentDecoder) assemble(identifier uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.pending[identifier]
	if !ok {
		return nil
	}
	delete(d.pending, identifier)

	indices := make([]int, 0, len(state.parts))
	for idx := range state.parts {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	out := make([]byte, 0, state.total)
	for _, idx := range indices {
		out = append(out, state.parts[uint16(idx)]...)
	}
	return out
}

func (d *fragmentDecoder) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = make(map[uint32]*fragmentState)
}
