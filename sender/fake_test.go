package sender

import (
	"sync"

	"github.com/zsiec/capsink/protocol"
	"github.com/zsiec/capsink/transport"
)

// fakeConn is a scriptable transport.Conn: outbound traffic is recorded,
// inbound control messages come from a channel, and the buffered-byte
// count can be driven per poll.
type fakeConn struct {
	mu            sync.Mutex
	open          bool
	bufferedFn    func(call int) int64
	bufferedCalls int
	control       []protocol.Message
	binary        [][]byte

	inbox     chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		open:  true,
		inbox: make(chan protocol.Message, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) SendControl(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrUnavailable
	}
	c.control = append(c.control, m)
	return nil
}

func (c *fakeConn) SendBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrUnavailable
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.binary = append(c.binary, buf)
	return nil
}

func (c *fakeConn) ReadControl() (protocol.Message, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		return nil, transport.ErrUnavailable
	}
}

func (c *fakeConn) Buffered() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufferedCalls++
	if c.bufferedFn != nil {
		return c.bufferedFn(c.bufferedCalls)
	}
	return 0
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sentControl() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.control))
	copy(out, c.control)
	return out
}

func (c *fakeConn) sentBinary() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.binary))
	copy(out, c.binary)
	return out
}
