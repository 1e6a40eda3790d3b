package tools

import (
	"bytes"
	"fmt"
)

// CappedBuffer is a writer that keeps at most Limit bytes and records
// whether more arrived. Writes never fail, so a child process writing to it
// is drained instead of blocked.
type CappedBuffer struct {
	Limit int

	buf       bytes.Buffer
	truncated bool
}

// NewCappedBuffer creates a buffer holding at most limit bytes.
func NewCappedBuffer(limit int) *CappedBuffer {
	return &CappedBuffer{Limit: limit}
}

func (c *CappedBuffer) Write(p []byte) (int, error) {
	room := c.Limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// Bytes returns the kept bytes.
func (c *CappedBuffer) Bytes() []byte { return c.buf.Bytes() }

// Truncated reports whether anything was dropped.
func (c *CappedBuffer) Truncated() bool { return c.truncated }

// String returns the kept text, with a notice when output was dropped.
func (c *CappedBuffer) String() string {
	s := c.buf.String()
	if c.truncated {
		s += fmt.Sprintf("\n[output truncated at %d bytes]", c.Limit)
	}
	return s
}
