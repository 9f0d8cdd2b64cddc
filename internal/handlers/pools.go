package handlers

import (
	"bytes"
	"sync"
)

// bufferPool hands out byte buffers of a given starting capacity. Request
// bodies and encoded replies both go through one, so the hot path does not
// allocate per request.
type bufferPool struct {
	pool sync.Pool
	max  int // buffers grown past max are dropped instead of pooled
}

func newBufferPool(size, max int) *bufferPool {
	return &bufferPool{
		pool: sync.Pool{New: func() interface{} {
			return bytes.NewBuffer(make([]byte, 0, size))
		}},
		max: max,
	}
}

func (p *bufferPool) get() *bytes.Buffer {
	if buf, ok := p.pool.Get().(*bytes.Buffer); ok {
		return buf
	}
	return new(bytes.Buffer)
}

func (p *bufferPool) put(buf *bytes.Buffer) {
	if buf.Cap() > p.max {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

var (
	// Commands are small; 1KB covers them.
	requestBuffers = newBufferPool(1<<10, maxBodySize)
	// Watch listings and stats snapshots.
	responseBuffers = newBufferPool(8<<10, 1<<20)
)

func getBuffer() *bytes.Buffer {
	return requestBuffers.get()
}

func putBuffer(buf *bytes.Buffer) {
	requestBuffers.put(buf)
}

func getResponseBuffer() *bytes.Buffer {
	return responseBuffers.get()
}

func putResponseBuffer(buf *bytes.Buffer) {
	responseBuffers.put(buf)
}
