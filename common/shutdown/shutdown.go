// Package shutdown aggregates a host's stop conditions: deletion of the
// running-marker file, a SHUTDOWN datagram on the version's shutdown port,
// and process signals. The first condition observed wins.
package shutdown

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petrel-io/petrel/common/bus"
)

// Command is the datagram body that stops a host.
const Command = "SHUTDOWN"

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Trigger fires once, on the first stop condition observed. Sources are
// attached individually so tests can drive a bare trigger.
type Trigger struct {
	log Logger

	mu     sync.Mutex
	reason string
	once   sync.Once
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	watcher  *fsnotify.Watcher
	listener *bus.Listener
	sigCh    chan os.Signal
}

// NewTrigger creates an unfired trigger with no sources attached.
func NewTrigger(log Logger) *Trigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		log:    log,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Done is closed once the trigger fires.
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// Reason reports why the trigger fired, empty while it has not.
func (t *Trigger) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Fire marks the trigger. Only the first reason is kept.
func (t *Trigger) Fire(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		t.log.Info("shutdown triggered", "reason", reason)
		close(t.done)
	})
}

// TrapSignals fires on SIGINT or SIGTERM.
func (t *Trigger) TrapSignals() {
	t.sigCh = make(chan os.Signal, 1)
	signal.Notify(t.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-t.sigCh:
			t.Fire("signal " + sig.String())
		case <-t.ctx.Done():
		}
	}()
}

// WatchMarker fires when the named file disappears from dir. The whole
// directory is watched; only removal or rename of the marker counts.
func (t *Trigger) WatchMarker(dir, name string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create marker watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	t.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				t.Fire("running marker removed: " + name)
				return

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				t.log.Warn("marker watcher error", "error", err)

			case <-t.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// ListenUDP fires on a SHUTDOWN datagram at the given port. Anything else
// on the port is logged and ignored.
func (t *Trigger) ListenUDP(port int) error {
	l, err := bus.Listen(port, "shutdown", t.log)
	if err != nil {
		return err
	}
	t.listener = l

	go func() {
		_ = l.Serve(t.ctx, func(payload []byte, from *net.UDPAddr) {
			body := strings.TrimSpace(string(payload))
			if body != Command {
				t.log.Warn("unexpected datagram on shutdown port", "body", body, "from", from)
				return
			}
			t.Fire("shutdown datagram")
		})
	}()
	return nil
}

// UDPAddr reports the bound shutdown-listener address, nil when ListenUDP
// was never attached.
func (t *Trigger) UDPAddr() *net.UDPAddr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close stops every attached source. It never fires the trigger.
func (t *Trigger) Close() {
	t.cancel()
	if t.sigCh != nil {
		signal.Stop(t.sigCh)
	}
	if t.watcher != nil {
		t.watcher.Close()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

// MarkerName returns the running-marker filename for a version.
func MarkerName(version string) string {
	return fmt.Sprintf("service_%s.running", version)
}

// WriteMarker creates the running marker in dir, replacing a stale one,
// and returns its path.
func WriteMarker(dir, version string) (string, error) {
	path := filepath.Join(dir, MarkerName(version))
	body := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write running marker: %w", err)
	}
	return path, nil
}

// RemoveMarker deletes the marker file, tolerating its absence.
func RemoveMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove running marker: %w", err)
	}
	return nil
}
