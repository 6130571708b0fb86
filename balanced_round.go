package ddnio

import "sync/atomic"

// RoundBalanced hands channels to the selectors in turn.
type RoundBalanced struct {
	connNumber int64
}

func NewRoundBalanced() Balanced {
	return &RoundBalanced{}
}

func (r *RoundBalanced) Name() string {
	return "default-round"
}

func (r *RoundBalanced) Target(connLen, fd int) int {
	if connLen <= 0 {
		return 0
	}
	n := atomic.AddInt64(&r.connNumber, 1)
	return int((n - 1) % int64(connLen))
}
