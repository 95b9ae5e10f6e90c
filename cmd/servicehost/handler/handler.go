// Package handler installs rule payloads arriving on the host's rule
// ports and acknowledges each commitment back to the deployer.
package handler

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/cache"
	"github.com/petrel-io/petrel/common/rulebase"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// InstallFunc is notified after each successful installation, before the
// acknowledgement goes out.
type InstallFunc func(rb *rulebase.RuleBase)

// Handler receives rule payloads, installs them into the host's rule
// store and echoes the commitment to the sender's confirmation port.
type Handler struct {
	rules     *cache.RuleStore
	send      bus.SendFunc
	onInstall InstallFunc
	log       Logger

	mu        sync.Mutex
	installed int
}

// New wires a rule handler. onInstall may be nil.
func New(rules *cache.RuleStore, send bus.SendFunc, onInstall InstallFunc, log Logger) *Handler {
	return &Handler{rules: rules, send: send, onInstall: onInstall, log: log}
}

// Handle adapts the handler onto a bus listener.
func (h *Handler) Handle(ctx context.Context) bus.Handler {
	return func(payload []byte, from *net.UDPAddr) {
		h.handle(ctx, payload, from)
	}
}

func (h *Handler) handle(ctx context.Context, payload []byte, from *net.UDPAddr) {
	p, err := rulebase.ParsePayload(payload)
	if err != nil {
		h.log.Warn("malformed rule payload dropped", "from", from, "error", err)
		return
	}
	if err := p.Validate(); err != nil {
		h.log.Warn("incomplete rule payload dropped", "from", from, "error", err)
		return
	}
	rb, err := rulebase.FromPayload(p)
	if err != nil {
		h.log.Warn("rule text unparseable, payload dropped",
			"service", p.Target.ServiceName,
			"operation", p.Target.OperationName, "error", err)
		return
	}

	h.rules.Install(rb)
	h.mu.Lock()
	h.installed++
	h.mu.Unlock()
	h.log.Info("rule base installed",
		"service", rb.Service, "operation", rb.Operation,
		"version", rb.Version, "buffer", rb.Buffer,
		"commitment", p.Header.RuleBaseCommitment)

	if h.onInstall != nil {
		h.onInstall(rb)
	}
	h.ack(ctx, p, from)
}

// ack echoes the commitment to the deployer, which listens on the
// version's confirmation port at its own address.
func (h *Handler) ack(ctx context.Context, p *rulebase.Payload, from *net.UDPAddr) {
	if from == nil {
		h.log.Warn("rule payload with unknown sender, ack skipped",
			"version", p.Header.RuleBaseVersion)
		return
	}
	port := bus.ConfirmPort(p.Header.RuleBaseVersion)
	addr := net.JoinHostPort(from.IP.String(), strconv.Itoa(port))
	ack := rulebase.Confirmation{
		Version:    p.Header.RuleBaseVersion,
		Commitment: p.Header.RuleBaseCommitment,
	}
	if err := h.send(ctx, addr, ack.Format()); err != nil {
		h.log.Error("commit ack send failed", "addr", addr, "error", err)
		return
	}
	h.log.Debug("commitment acknowledged",
		"addr", addr, "commitment", p.Header.RuleBaseCommitment)
}

// Installed counts successful installations.
func (h *Handler) Installed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installed
}
