package ddnio

import "sync"

const (
	DEFAULT_BLOCK = 4096 // default page size
)

// PagePool recycles fixed size read pages across the channels of a selector.
type PagePool struct {
	block int
	pool  sync.Pool
}

func NewPagePool(block int) *PagePool {
	if block <= 0 {
		block = DEFAULT_BLOCK
	}
	p := &PagePool{block: block}
	p.pool.New = func() interface{} {
		buf := make([]byte, 0, block)
		return &buf
	}
	return p
}

func (p *PagePool) BlockSize() int {
	return p.block
}

// AllocBuffer returns an empty page.
func (p *PagePool) AllocBuffer() []byte {
	return (*p.pool.Get().(*[]byte))[:0]
}

// FreeBuffer gives back a page; buffers of any other capacity are left to the GC.
func (p *PagePool) FreeBuffer(buf []byte) {
	if cap(buf) != p.block {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}

// InboundBuffer accumulates bytes read from a socket until the protocol layer
// consumes them. data[off:] holds the unconsumed bytes.
type InboundBuffer struct {
	pool *PagePool
	data []byte
	off  int
}

func NewInboundBuffer(pool *PagePool) *InboundBuffer {
	return &InboundBuffer{pool: pool}
}

// Len is the number of unconsumed bytes.
func (b *InboundBuffer) Len() int {
	return len(b.data) - b.off
}

// Bytes returns the unconsumed bytes; valid until the next buffer call.
func (b *InboundBuffer) Bytes() []byte {
	return b.data[b.off:]
}

// Tail returns writable space of at least one page after the unconsumed bytes.
func (b *InboundBuffer) Tail() []byte {
	block := b.pool.BlockSize()
	if b.data == nil {
		b.data = b.pool.AllocBuffer()
	}
	if b.off > 0 && b.off == len(b.data) {
		b.data, b.off = b.data[:0], 0
	}
	if cap(b.data)-len(b.data) < block && b.off > 0 {
		n := copy(b.data, b.data[b.off:])
		b.data, b.off = b.data[:n], 0
	}
	if cap(b.data)-len(b.data) < block {
		// double, rounded to whole pages
		newCap := 2 * cap(b.data)
		if newCap < len(b.data)+block {
			newCap = len(b.data) + block
		}
		newCap = (newCap + block - 1) / block * block
		grown := make([]byte, len(b.data), newCap)
		copy(grown, b.data)
		b.pool.FreeBuffer(b.data)
		b.data = grown
	}
	return b.data[len(b.data):cap(b.data)]
}

// Commit marks n bytes of the last Tail as filled.
func (b *InboundBuffer) Commit(n int) {
	b.data = b.data[:len(b.data)+n]
}

// Release drops the first n unconsumed bytes.
func (b *InboundBuffer) Release(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
}

// Close returns the backing page to the pool.
func (b *InboundBuffer) Close() {
	if b.data != nil {
		b.pool.FreeBuffer(b.data)
	}
	b.data, b.off = nil, 0
}
