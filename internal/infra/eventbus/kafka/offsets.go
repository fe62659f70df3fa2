package kafka

import "sync"

// partitionOffsets tracks which delivered offsets of one partition have been
// acknowledged. Workers finish messages out of order, so the committable
// position is the first delivered offset that is still outstanding.
type partitionOffsets struct {
	mu      sync.Mutex
	pending []int64 // delivered, in delivery order (ascending)
	acked   map[int64]struct{}
	commit  int64 // next offset to consume; -1 until something is acknowledged
}

func newPartitionOffsets() *partitionOffsets {
	return &partitionOffsets{acked: make(map[int64]struct{}), commit: -1}
}

// deliver records that offset was handed to a worker.
func (p *partitionOffsets) deliver(offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.pending); n > 0 && offset <= p.pending[n-1] {
		// Redelivery of an offset that is already outstanding.
		return
	}
	p.pending = append(p.pending, offset)
}

// ack marks offset as done. It returns the new commit position and whether
// it moved.
func (p *partitionOffsets) ack(offset int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acked[offset] = struct{}{}

	advanced := false
	for len(p.pending) > 0 {
		head := p.pending[0]
		if _, ok := p.acked[head]; !ok {
			break
		}
		delete(p.acked, head)
		p.pending = p.pending[1:]
		p.commit = head + 1
		advanced = true
	}
	return p.commit, advanced
}

// outstanding returns how many delivered offsets are not yet committable.
func (p *partitionOffsets) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
