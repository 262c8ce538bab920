// Package bufpool hands out fixed-size read buffers for content frames.
package bufpool

import (
	"sync"
)

var pools sync.Map // map[int]*Pool

// Pool provides a pool of byte buffers of a fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// For returns the shared pool for bufSize, creating it on first use.
// Senders configured with the same chunk size share buffers.
func For(bufSize int) *Pool {
	if p, ok := pools.Load(bufSize); ok {
		return p.(*Pool)
	}
	actual, _ := pools.LoadOrStore(bufSize, New(bufSize))
	return actual.(*Pool)
}

// New creates a pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	b := *(p.pool.Get().(*[]byte))
	return b[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:p.bufSize]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
