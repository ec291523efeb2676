package benchhead

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"
)

// MockPort implements Porter without hardware, for dev mode and tests. It
// streams plausible idle traffic (quiet expander, settled load cell, sensor
// levels, programming-track switches) and discards commands.
type MockPort struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMockPort starts a mock head streaming idle readings.
func NewMockPort() *MockPort {
	r, w := io.Pipe()
	p := &MockPort{
		reader: r,
		writer: w,
		done:   make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				raw := 8_400_000 + rand.Int31n(2000)
				vib := 2048 + rand.Int31n(9) - 4
				lines := fmt.Sprintf(
					"PORT FFF0\nLOAD %d\nVIB %d\nAUD 1024 2048 3\nSW 1 0\n",
					raw, vib)
				if _, err := w.Write([]byte(lines)); err != nil {
					return
				}
			}
		}
	}()

	return p
}

// InjectLine pushes one protocol line into the read stream, as if the head
// had sent it.
func (p *MockPort) InjectLine(line string) {
	p.writer.Write([]byte(line + "\n"))
}

func (p *MockPort) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

// Write accepts and discards commands.
func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return len(b), nil
}

func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.writer.Close()
	return p.reader.Close()
}
