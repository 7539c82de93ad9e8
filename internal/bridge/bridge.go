package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

var openPortFn = openPort

// Config controls the serial link to the actuator/sensor board.
//
// Device may be empty to auto-detect a USB serial adapter.
// MaxLine bounds one inbound frame including the line terminator.
type Config struct {
	Device  string
	Baud    int
	MaxLine int
}

type Snapshot struct {
	Connected   bool      `json:"connected"`
	Device      string    `json:"device,omitempty"`
	Baud        int       `json:"baud"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`

	FramesIn       uint64 `json:"frames_in"`
	FramesOut      uint64 `json:"frames_out"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	DeviceErrors   uint64 `json:"device_errors"`
	Disconnects    uint64 `json:"disconnects"`

	LastError string `json:"last_error,omitempty"`
}

// Bridge owns the serial connection. The port, its buffered reader and the
// connected flag change together under mu, so callers never see a
// half-closed link.
type Bridge struct {
	cfg Config

	mu          sync.Mutex
	port        io.ReadWriteCloser
	reader      *bufio.Reader
	device      string
	connectedAt time.Time
	attached    chan struct{}
	stats       Snapshot

	// rmu serializes Receive so only one goroutine drains the reader.
	rmu sync.Mutex
}

func New(cfg Config) *Bridge {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = 1024
	}
	return &Bridge{cfg: cfg, attached: make(chan struct{})}
}

// Connect opens device (or the configured/auto-detected one when empty).
// Connecting while already connected is a no-op.
func (b *Bridge) Connect(device string) error {
	if b == nil {
		return fmt.Errorf("bridge: nil")
	}
	device = strings.TrimSpace(device)
	if device == "" {
		device = strings.TrimSpace(b.cfg.Device)
	}
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			b.setError("bridge auto-detect failed: no serial adapter found")
			return fmt.Errorf("bridge: auto-detect failed")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}

	port, err := openPortFn(device, b.cfg.Baud)
	if err != nil {
		b.stats.LastError = fmt.Sprintf("bridge open failed device=%s baud=%d: %v", device, b.cfg.Baud, err)
		return fmt.Errorf("bridge: open %s: %w", device, err)
	}
	b.port = port
	b.reader = bufio.NewReaderSize(port, b.cfg.MaxLine)
	b.device = device
	b.connectedAt = time.Now().UTC()
	b.stats.LastError = ""

	close(b.attached)
	b.attached = make(chan struct{})

	log.Printf("bridge connected device=%s baud=%d", device, b.cfg.Baud)
	return nil
}

// Disconnect closes the link. Safe to call when not connected.
func (b *Bridge) Disconnect() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked("disconnect requested")
}

func (b *Bridge) teardownLocked(reason string) {
	if b.port == nil {
		return
	}
	_ = b.port.Close()
	log.Printf("bridge disconnected device=%s reason=%s", b.device, reason)
	b.port = nil
	b.reader = nil
	b.device = ""
	b.connectedAt = time.Time{}
	b.stats.Disconnects++
}

func (b *Bridge) IsConnected() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

// Device returns the open device path, or "" when disconnected.
func (b *Bridge) Device() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

// Send writes one frame. It fails with ErrConnection when disconnected; a
// write failure tears the link down before returning.
func (b *Bridge) Send(msg Message) error {
	if b == nil {
		return ErrConnection
	}
	line, err := Encode(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return ErrConnection
	}
	if _, err := b.port.Write(line); err != nil {
		b.stats.LastError = fmt.Sprintf("bridge write failed: %v", err)
		b.teardownLocked("write failed")
		return fmt.Errorf("bridge: write: %w", err)
	}
	b.stats.FramesOut++
	return nil
}

// Receive blocks until one complete line arrives and decodes it.
//
// Malformed lines yield *ProtocolError and error envelopes yield
// *DeviceError; the link stays up in both cases. A read failure tears the
// link down and returns the underlying error.
func (b *Bridge) Receive() (Message, error) {
	if b == nil {
		return nil, ErrConnection
	}
	b.rmu.Lock()
	defer b.rmu.Unlock()

	b.mu.Lock()
	port, reader := b.port, b.reader
	b.mu.Unlock()
	if port == nil {
		return nil, ErrConnection
	}

	line, err := readLine(reader)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) {
			b.countProtocolError(err)
			return nil, err
		}
		b.mu.Lock()
		// Only tear down the link this read belonged to.
		if b.port == port {
			b.stats.LastError = fmt.Sprintf("bridge read failed: %v", err)
			b.teardownLocked("read failed")
		}
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: read: %w", err)
	}

	msg, err := Decode(line)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			b.mu.Lock()
			b.stats.DeviceErrors++
			b.stats.LastError = de.Error()
			b.mu.Unlock()
			return nil, err
		}
		b.countProtocolError(err)
		return nil, err
	}

	b.mu.Lock()
	b.stats.FramesIn++
	b.mu.Unlock()
	return msg, nil
}

func (b *Bridge) countProtocolError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.ProtocolErrors++
	b.stats.LastError = err.Error()
}

// readLine returns the next line without its terminator. Oversized lines are
// discarded through the next newline and reported as a ProtocolError.
func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			head := string(line[:min(len(line), 64)])
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			if err != nil {
				return nil, err
			}
			return nil, &ProtocolError{Line: head, Err: errFrameTooLong}
		}
		if err != nil {
			return nil, err
		}
		line = []byte(strings.TrimRight(string(line), "\r\n"))
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// Handler receives decoded inbound frames.
type Handler func(Message)

// Run is the dedicated reader task. It waits for a connection, then
// dispatches frames to h until ctx is canceled. Link failures are logged and
// the task waits for the next attach.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	if b == nil {
		return fmt.Errorf("bridge: nil")
	}
	if h == nil {
		return fmt.Errorf("bridge: handler is nil")
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.mu.Lock()
		connected := b.port != nil
		attached := b.attached
		b.mu.Unlock()
		if !connected {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-attached:
			}
			continue
		}

		msg, err := b.Receive()
		if err != nil {
			var pe *ProtocolError
			var de *DeviceError
			switch {
			case errors.As(err, &pe):
				log.Printf("bridge dropped frame: %v", err)
			case errors.As(err, &de):
				log.Printf("bridge %v", err)
			case errors.Is(err, ErrConnection):
			default:
				if ctx.Err() == nil {
					log.Printf("bridge reader: %v", err)
				}
			}
			continue
		}
		h(msg)
	}
}

// Close tears down the link; a blocked Receive returns.
func (b *Bridge) Close() {
	b.Disconnect()
}

func (b *Bridge) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Connected = b.port != nil
	s.Device = b.device
	s.Baud = b.cfg.Baud
	s.ConnectedAt = b.connectedAt
	return s
}

func (b *Bridge) setError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.LastError = msg
}
