package container

import (
	"strconv"
	"strings"
	"time"
)

/*
	Binary min-heap, following Algorithms 4th edition section 2.4.4.
	Index 0 of the backing tree is unused.
*/

// LittleHeap orders TimeoutElem by deadline; equal deadlines pop in insertion order.
type LittleHeap struct {
	binaryTree []TimeoutElem
	n          int
	seq        uint64
}

type TimeoutElem struct {
	Deadline time.Time
	Data     interface{}
	seq      uint64
}

func NewLittleHeap(maxLen int) *LittleHeap {
	return &LittleHeap{
		binaryTree: make([]TimeoutElem, maxLen+1),
		n:          0,
	}
}

// after reports whether node i must sit below node j.
func (h *LittleHeap) after(i, j int) bool {
	a, b := h.binaryTree[i], h.binaryTree[j]
	if a.Deadline.Equal(b.Deadline) {
		return a.seq > b.seq
	}
	return a.Deadline.After(b.Deadline)
}

func (h *LittleHeap) exch(i, j int) {
	h.binaryTree[i], h.binaryTree[j] = h.binaryTree[j], h.binaryTree[i]
}

// swim restores order from k upwards
func (h *LittleHeap) swim(k int) {
	for k > 1 && h.after(k/2, k) {
		h.exch(k/2, k)
		k = k / 2
	}
}

// sink restores order from k downwards
func (h *LittleHeap) sink(k int) {
	for 2*k <= h.n {
		j := 2 * k
		if j < h.n && h.after(j, j+1) {
			j++
		}
		if !h.after(k, j) {
			break
		}
		h.exch(k, j)
		k = j
	}
}

func (h *LittleHeap) IsEmpty() bool {
	return h.n == 0
}

func (h *LittleHeap) Size() int {
	return h.n
}

// Peek returns the earliest element; the heap must not be empty.
func (h *LittleHeap) Peek() TimeoutElem {
	return h.binaryTree[1]
}

func (h *LittleHeap) Insert(v TimeoutElem) {
	h.seq++
	v.seq = h.seq
	if h.n+1 > len(h.binaryTree)-1 {
		h.binaryTree = append(h.binaryTree, TimeoutElem{})
	}
	h.n++
	h.binaryTree[h.n] = v
	h.swim(h.n)
}

// DelTop removes and returns the earliest element; the heap must not be empty.
func (h *LittleHeap) DelTop() TimeoutElem {
	top := h.binaryTree[1]
	h.exch(1, h.n)
	h.binaryTree[h.n] = TimeoutElem{}
	h.n--
	h.sink(1)
	return top
}

func (h *LittleHeap) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	level, rawIndex := 0, 0
	for index := 1; index <= h.n; index++ {
		sb.WriteString(strconv.FormatInt(h.binaryTree[index].Deadline.UnixNano(), 10))
		sb.WriteString(" ")
		if index == rawIndex+(1<<level) {
			sb.WriteString("\n")
			rawIndex = index
			level++
		}
	}
	return sb.String()
}
