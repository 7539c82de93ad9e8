package bridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
)

var listPortsFn = listPorts

// listPorts enumerates serial adapters. The OS enumeration is preferred;
// the /dev scan covers systems where it is unavailable.
func listPorts() []string {
	ports, err := serial.GetPortsList()
	if err == nil && len(ports) > 0 {
		sort.Strings(ports)
		return ports
	}
	var out []string
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func isUSBSerial(p string) bool {
	return strings.HasPrefix(p, "/dev/ttyACM") || strings.HasPrefix(p, "/dev/ttyUSB") ||
		strings.HasPrefix(p, "/dev/cu.usb") || strings.HasPrefix(strings.ToUpper(p), "COM")
}

func autoDetectDevice() string {
	for _, p := range listPortsFn() {
		if isUSBSerial(p) {
			return p
		}
	}
	return ""
}

// Watcher turns device attach/detach into Connect/Disconnect calls.
type Watcher struct {
	b        *Bridge
	device   string
	interval time.Duration

	// OnAttach runs after a successful connect (optional).
	OnAttach func(device string)
}

// NewWatcher watches for device, or any USB serial adapter when empty.
func NewWatcher(b *Bridge, device string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{b: b, device: strings.TrimSpace(device), interval: interval}
}

// Run polls until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	var lastFailed string
	for {
		w.poll(&lastFailed)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *Watcher) poll(lastFailed *string) {
	ports := listPortsFn()
	present := func(p string) bool {
		for _, q := range ports {
			if q == p {
				return true
			}
		}
		return false
	}

	if w.b.IsConnected() {
		if dev := w.b.Device(); dev != "" && !present(dev) {
			log.Printf("bridge device detached device=%s", dev)
			w.b.Disconnect()
		}
		return
	}

	target := w.device
	if target == "" {
		for _, p := range ports {
			if isUSBSerial(p) {
				target = p
				break
			}
		}
	} else if !present(target) {
		target = ""
	}
	if target == "" {
		*lastFailed = ""
		return
	}

	if err := w.b.Connect(target); err != nil {
		// Log once per device until it changes or succeeds.
		if *lastFailed != target {
			log.Printf("bridge connect failed device=%s: %v", target, err)
			*lastFailed = target
		}
		return
	}
	*lastFailed = ""
	if w.OnAttach != nil {
		w.OnAttach(target)
	}
}
