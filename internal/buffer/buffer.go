// Package buffer provides pooled byte buffers holding the blobs written to
// fake sockets.
package buffer

import "sync"

const DefaultSize = 4096

type Buffer struct{ Data []byte }

func (buf *Buffer) Len() int {
	return len(buf.Data)
}

type Pool struct{ pool sync.Pool }

func (p *Pool) Get(size int) *Buffer {
	b, _ := p.pool.Get().(*Buffer)
	if b != nil {
		if size <= cap(b.Data) {
			b.Data = b.Data[:size]
			return b
		}
		p.Put(b)
		b = nil
	}
	return New(size)
}

// Copy returns a buffer from the pool holding a copy of data.
func (p *Pool) Copy(data []byte) *Buffer {
	b := p.Get(len(data))
	copy(b.Data, data)
	return b
}

func (p *Pool) Put(b *Buffer) {
	if b != nil {
		p.pool.Put(b)
	}
}

func New(size int) *Buffer {
	return &Buffer{Data: make([]byte, size, Align(size, DefaultSize))}
}

func Release(buf **Buffer, pool *Pool) {
	if b := *buf; b != nil {
		*buf = nil
		pool.Put(b)
	}
}

func Align(size, to int) int {
	if size == 0 {
		return to
	}
	return ((size + (to - 1)) / to) * to
}
