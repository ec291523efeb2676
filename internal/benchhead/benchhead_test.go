package benchhead

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trackside/speedcal/internal/timeutil"
	"github.com/trackside/speedcal/internal/trap"
)

// scriptPort implements Porter over fixed read data and a write capture
// buffer.
type scriptPort struct {
	mu     sync.Mutex
	reads  io.Reader
	writes bytes.Buffer
	closed bool
}

func newScriptPort(stream string) *scriptPort {
	return &scriptPort{reads: strings.NewReader(stream)}
}

func (p *scriptPort) Read(b []byte) (int, error) {
	return p.reads.Read(b)
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	return p.writes.Write(b)
}

func (p *scriptPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptPort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.String()
}

func newTestHead() (*Head, *scriptPort, *trap.Latch, *timeutil.MockClock) {
	port := newScriptPort("")
	latch := &trap.Latch{}
	clock := timeutil.NewMockClock(time.Unix(5000, 0))
	return New(port, latch, clock), port, latch, clock
}

func TestInterruptLineFiresLatch(t *testing.T) {
	h, _, latch, _ := newTestHead()

	h.handleLine("INT 123456 FFF2")

	ev, ok := latch.Take()
	if !ok {
		t.Fatal("expected latched event")
	}
	if ev.Micros != 123456 {
		t.Errorf("micros = %d, want 123456", ev.Micros)
	}
	if ev.Capture != 0xFFF2 {
		t.Errorf("capture = %04X, want FFF2", ev.Capture)
	}
}

func TestReadAndClearLatchReturnsCaptureOnce(t *testing.T) {
	h, port, _, _ := newTestHead()
	h.handleLine("INT 1000 FFF2")

	if got := h.ReadAndClearLatch(); got != 0xFFF2 {
		t.Fatalf("first read = %04X, want FFF2", got)
	}
	if got := h.ReadAndClearLatch(); got != 0xFFFF {
		t.Errorf("second read = %04X, want failure sentinel", got)
	}
	if !strings.Contains(port.written(), "CLR\n") {
		t.Errorf("expected CLR command, wrote %q", port.written())
	}
}

func TestActiveMaskGoesStale(t *testing.T) {
	h, _, _, clock := newTestHead()

	if got := h.ReadActiveMask(); got != 0xFFFF {
		t.Fatalf("mask before any PORT line = %04X, want sentinel", got)
	}

	h.handleLine("PORT FFE0")
	if got := h.ReadActiveMask(); got != 0xFFE0 {
		t.Fatalf("mask = %04X, want FFE0", got)
	}

	clock.Advance(3 * time.Second)
	if got := h.ReadActiveMask(); got != 0xFFFF {
		t.Errorf("stale mask = %04X, want sentinel", got)
	}
}

func TestLoadCellReading(t *testing.T) {
	h, _, _, clock := newTestHead()

	if _, ok := h.ReadRaw(); ok {
		t.Fatal("expected no reading before LOAD line")
	}

	h.handleLine("LOAD -842133")
	raw, ok := h.ReadRaw()
	if !ok || raw != -842133 {
		t.Fatalf("ReadRaw = %d, %v; want -842133, true", raw, ok)
	}

	clock.Advance(3 * time.Second)
	if _, ok := h.ReadRaw(); ok {
		t.Error("expected stale reading to be rejected")
	}
}

func TestVibrationSampleConsumedOnce(t *testing.T) {
	h, _, _, _ := newTestHead()

	h.handleLine("VIB 2215")
	v, ok := h.Sample()
	if !ok || v != 2215 {
		t.Fatalf("Sample = %d, %v; want 2215, true", v, ok)
	}
	if _, ok := h.Sample(); ok {
		t.Error("sample should be consumed on read")
	}
}

func TestAudioStatsConsumedOnce(t *testing.T) {
	h, _, _, _ := newTestHead()

	h.handleLine("AUD 1024 524288 4096")
	stats, ok := h.ReadStats()
	if !ok {
		t.Fatal("expected stats after AUD line")
	}
	if stats.Samples != 1024 || stats.SumOfSquares != 524288 || stats.PeakAbs != 4096 {
		t.Errorf("stats = %+v", stats)
	}
	if _, ok := h.ReadStats(); ok {
		t.Error("stats should be consumed on read")
	}
}

func TestSwitchStates(t *testing.T) {
	h, _, _, clock := newTestHead()

	if _, _, ok := h.Read(); ok {
		t.Fatal("expected no switch reading before SW line")
	}

	h.handleLine("SW 1 0")
	prog, dc, ok := h.Read()
	if !ok || !prog || dc {
		t.Fatalf("Read = %v, %v, %v; want true, false, true", prog, dc, ok)
	}

	clock.Advance(3 * time.Second)
	if _, _, ok := h.Read(); ok {
		t.Error("expected stale switch reading to be rejected")
	}
}

func TestMalformedLinesIgnored(t *testing.T) {
	h, _, latch, _ := newTestHead()

	for _, line := range []string{
		"",
		"INT",
		"INT notanumber FFF2",
		"INT 1000 ZZZZ",
		"LOAD abc",
		"VIB 70000",
		"AUD 1 2",
		"speed-cal bench head v2.1 ready",
	} {
		h.handleLine(line)
	}

	if latch.Pending() {
		t.Error("malformed INT line fired the latch")
	}
	if got := h.ReadActiveMask(); got != 0xFFFF {
		t.Errorf("mask = %04X, want sentinel", got)
	}
	if _, ok := h.ReadRaw(); ok {
		t.Error("malformed LOAD line produced a reading")
	}
}

func TestSendCommandAppendsNewline(t *testing.T) {
	h, port, _, _ := newTestHead()

	if err := h.SendCommand("CLR"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := port.written(); got != "CLR\n" {
		t.Errorf("wrote %q, want \"CLR\\n\"", got)
	}
}

func TestMonitorParsesStream(t *testing.T) {
	port := newScriptPort("PORT FFE0\nLOAD 12345\nVIB 2048\n")
	latch := &trap.Latch{}
	clock := timeutil.NewMockClock(time.Unix(5000, 0))
	h := New(port, latch, clock)

	// Stream is finite; Monitor returns nil at EOF.
	if err := h.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}

	if got := h.ReadActiveMask(); got != 0xFFE0 {
		t.Errorf("mask = %04X, want FFE0", got)
	}
	raw, ok := h.ReadRaw()
	if !ok || raw != 12345 {
		t.Errorf("ReadRaw = %d, %v; want 12345, true", raw, ok)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	port := &pipePort{r: r, w: w}
	h := New(port, &trap.Latch{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Monitor(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop after cancel")
	}
	port.Close()
}

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipePort) Close() error {
	p.w.Close()
	return p.r.Close()
}

func TestMockPortStreamsIdleTraffic(t *testing.T) {
	port := NewMockPort()
	defer port.Close()

	h := New(port, &trap.Latch{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go h.Monitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := h.ReadRaw(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("mock port never produced a load cell reading")
}
