package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool hands out fixed-size chunk buffers for relaying content. Buffers are reused across
// transfers through bytebufferpool, so a busy content gate does not allocate a fresh
// chunk per request.
type Pool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewPool creates a Pool whose buffers hold chunkSize bytes. A non-positive size falls
// back to 4 KiB.
func NewPool(chunkSize int) *Pool {
	if chunkSize <= 0 {
		chunkSize = 4 * 1024
	}
	return &Pool{
		pool:      &bytebufferpool.Pool{},
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the length of every buffer handed out by Get.
func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// Get returns a buffer whose B is exactly ChunkSize bytes long. The contents are
// whatever the previous user left; callers only read back what they wrote.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < p.chunkSize {
		buf.B = make([]byte, p.chunkSize)
	} else {
		buf.B = buf.B[:p.chunkSize]
	}
	return buf
}

// Put returns buf to the pool. nil is ignored.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
