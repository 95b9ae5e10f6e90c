package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/rulebase"
)

// ErrCommitTimeout marks a rule payload whose acknowledgement never
// arrived within the retry budget.
var ErrCommitTimeout = errors.New("COMMIT_TIMEOUT: no acknowledgement")

// Tracker collects commit acknowledgements for one deploy. Hosts echo
// the payload's version and commitment number back on the version's
// confirmation port; duplicates are harmless and foreign versions are
// ignored.
type Tracker struct {
	version  string
	listener *bus.Listener
	log      Logger

	mu        sync.Mutex
	confirmed map[int]bool
	waiters   map[int]chan struct{}
}

// StartTracker binds the version's confirmation port and serves
// acknowledgements until ctx ends or Close is called.
func StartTracker(ctx context.Context, version string, log Logger) (*Tracker, error) {
	l, err := bus.Listen(bus.ConfirmPort(version), "commit", log)
	if err != nil {
		return nil, fmt.Errorf("bind confirmation port: %w", err)
	}
	return serveTracker(ctx, version, l, log), nil
}

func serveTracker(ctx context.Context, version string, l *bus.Listener, log Logger) *Tracker {
	t := &Tracker{
		version:   version,
		listener:  l,
		log:       log,
		confirmed: make(map[int]bool),
		waiters:   make(map[int]chan struct{}),
	}
	go func() {
		if serr := l.Serve(ctx, t.handle); serr != nil {
			log.Error("commit listener stopped", "error", serr)
		}
	}()
	return t
}

// Addr returns the bound confirmation address.
func (t *Tracker) Addr() *net.UDPAddr { return t.listener.Addr() }

// Close releases the confirmation socket.
func (t *Tracker) Close() error { return t.listener.Close() }

func (t *Tracker) handle(payload []byte, from *net.UDPAddr) {
	ack, ok := rulebase.ParseConfirmation(payload)
	if !ok {
		t.log.Warn("unparseable commit ack", "from", from, "payload", string(payload))
		return
	}
	if ack.Version != t.version {
		t.log.Warn("commit ack for foreign version, ignoring",
			"version", ack.Version, "want", t.version, "from", from)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.confirmed[ack.Commitment] {
		t.log.Debug("duplicate commit ack", "commitment", ack.Commitment, "from", from)
		return
	}
	t.confirmed[ack.Commitment] = true
	if ch, waiting := t.waiters[ack.Commitment]; waiting {
		close(ch)
		delete(t.waiters, ack.Commitment)
	}
	t.log.Info("commitment confirmed", "version", ack.Version, "commitment", ack.Commitment, "from", from)
}

// Await blocks until the given commitment is acknowledged, the timeout
// lapses, or ctx ends. A commitment already seen returns immediately.
func (t *Tracker) Await(ctx context.Context, commitment int, timeout time.Duration) error {
	t.mu.Lock()
	if t.confirmed[commitment] {
		t.mu.Unlock()
		return nil
	}
	ch, ok := t.waiters[commitment]
	if !ok {
		ch = make(chan struct{})
		t.waiters[commitment] = ch
	}
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w for commitment %d after %s", ErrCommitTimeout, commitment, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirmed returns how many distinct commitments have been acknowledged.
func (t *Tracker) Confirmed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.confirmed)
}
