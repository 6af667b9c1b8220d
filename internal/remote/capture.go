package remote

import "bytes"

// capture keeps the first limit bytes written to it and silently drops the
// rest so a chatty remote process never blocks on a full pipe.
type capture struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

func (c *capture) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.dropped += int64(len(p))
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capture) String() string { return c.buf.String() }

func (c *capture) Truncated() bool { return c.dropped > 0 }
