package relay

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thatsimonsguy/relayboard/internal/codec"
	"github.com/thatsimonsguy/relayboard/internal/model"
)

// fakeTransport writes one byte at a time so that overlapping writers would
// interleave their frames.
type fakeTransport struct {
	mu       sync.Mutex
	written  []byte
	incoming []byte
	writeErr error
	readErr  error
	block    chan struct{}

	active    int32
	maxActive int32
	writes    int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	n := atomic.AddInt32(&t.active, 1)
	defer atomic.AddInt32(&t.active, -1)
	for {
		max := atomic.LoadInt32(&t.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&t.maxActive, max, n) {
			break
		}
	}
	atomic.AddInt32(&t.writes, 1)

	t.mu.Lock()
	block, werr := t.block, t.writeErr
	t.mu.Unlock()

	if block != nil {
		<-block
	}
	if werr != nil {
		return 0, werr
	}

	for _, b := range p {
		t.mu.Lock()
		t.written = append(t.written, b)
		t.mu.Unlock()
		runtime.Gosched()
	}
	return len(p), nil
}

func (t *fakeTransport) ReadAvailable() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.readErr != nil {
		err := t.readErr
		t.readErr = nil
		return nil, err
	}
	data := t.incoming
	t.incoming = nil
	return data, nil
}

func (t *fakeTransport) feed(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming = append(t.incoming, b...)
}

func (t *fakeTransport) setWriteErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

func (t *fakeTransport) setBlock(ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = ch
}

func (t *fakeTransport) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.written...)
}

// frames decodes everything written so far. It fails on any malformed byte.
func (t *fakeTransport) frames() ([]codec.Frame, error) {
	buf := t.bytes()
	var out []codec.Frame
	for len(buf) > 0 {
		f, n, err := codec.Decode(buf)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		buf = buf[n:]
	}
	return out, nil
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = nil
}

var errWire = errors.New("wire unplugged")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordedCommand struct {
	relay int
	state model.RelayState
	seq   byte
	err   error
}

type recordedChange struct {
	relay  int
	state  model.RelayState
	source string
}

type fakeRecorder struct {
	mu       sync.Mutex
	commands []recordedCommand
	changes  []recordedChange
}

func (r *fakeRecorder) RecordCommand(_ time.Time, relay int, state model.RelayState, seq byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, recordedCommand{relay: relay, state: state, seq: seq, err: err})
}

func (r *fakeRecorder) RecordStateChange(_ time.Time, relay int, state model.RelayState, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, recordedChange{relay: relay, state: state, source: source})
}
