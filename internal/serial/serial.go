package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

const readChunk = 64

// Port is a serial link whose reads are collected by a background
// goroutine, so ReadAvailable never blocks the controller loop.
type Port struct {
	name string
	rwc  io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	buf     []byte
	readErr error
	closed  bool
	done    chan struct{}
}

func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	c := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	sp, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("serial.OpenPort(%v): %w", name, err)
	}
	log.Info().Str("port", name).Int("baud", baud).Dur("read_timeout", readTimeout).Msg("Serial port opened")
	return newPort(name, sp), nil
}

func newPort(name string, rwc io.ReadWriteCloser) *Port {
	p := &Port{
		name: name,
		rwc:  rwc,
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	defer close(p.done)
	chunk := make([]byte, readChunk)
	for {
		n, err := p.rwc.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf = append(p.buf, chunk[:n]...)
			p.mu.Unlock()
		}
		if err == nil {
			continue
		}
		// the driver reports a read timeout with no data as EOF
		if errors.Is(err, io.EOF) && n == 0 && !p.isClosed() {
			continue
		}

		p.mu.Lock()
		if !p.closed {
			p.readErr = err
			log.Error().Err(err).Str("port", p.name).Msg("Serial read failed, reader stopped")
		}
		p.mu.Unlock()
		return
	}
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.isClosed() {
		return 0, io.ErrClosedPipe
	}
	log.Debug().Str("port", p.name).Hex("frame", b).Msg("Serial write")
	return p.rwc.Write(b)
}

// ReadAvailable returns the bytes received since the last call. A read
// failure is reported once, after any data that arrived before it.
func (p *Port) ReadAvailable() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) > 0 {
		data := p.buf
		p.buf = nil
		return data, nil
	}
	if p.readErr != nil {
		err := p.readErr
		p.readErr = nil
		return nil, err
	}
	return nil, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.rwc.Close()
	log.Info().Str("port", p.name).Msg("Serial port closed")
	return err
}

// Discard stands in for the board in safe mode: frames are logged and
// nothing is ever received.
type Discard struct{}

func (Discard) Write(b []byte) (int, error) {
	log.Info().Hex("frame", b).Msg("Safe mode: relay frame not sent")
	return len(b), nil
}

func (Discard) ReadAvailable() ([]byte, error) {
	return nil, nil
}
