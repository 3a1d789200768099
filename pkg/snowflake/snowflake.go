package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Node generates message ids that sort by creation time, so ordering a
// conversation by id agrees with ordering by send time on a single node.
type Node struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() time.Time
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, fmt.Errorf("snowflake: node %d out of range [0, %d]", node, nodeMax)
	}
	return &Node{node: node, now: time.Now}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()

	// Clock moved backwards; keep issuing from the last seen millisecond.
	if now < n.last {
		now = n.last
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.last = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time extracts the creation time encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
