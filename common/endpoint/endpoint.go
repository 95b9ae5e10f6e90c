// Package endpoint resolves (service, operation) pairs onto bus
// addresses through the fact store: activeService with a hasOperation
// fallback names the channel and declared port, boundChannel names the
// channel's address, and the address class decides the channel number.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/petrel-io/petrel/common/bus"
	"github.com/petrel-io/petrel/common/facts"
)

// ErrServiceNotFound marks a (service, operation) with neither an
// activeService nor a hasOperation registration.
var ErrServiceNotFound = errors.New("service not found")

// ErrChannelUnresolved marks a channel with no boundChannel address.
var ErrChannelUnresolved = errors.New("channel unresolved")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Endpoint is one resolved rule/event target.
type Endpoint struct {
	Service   string
	Operation string

	// ChannelID is the logical channel name from the registration,
	// such as ip1 or a2.
	ChannelID string

	// Channel is the number folded into the port map: the third octet
	// for multicast addresses, 0 for unicast, the ChannelID digits
	// otherwise.
	Channel int

	// Port is the service's declared port within its channel.
	Port int

	// Host is the address datagrams go to. Multicast addresses are
	// normalized into 224.1.x.y.
	Host string
}

// RuleAddr is where rule payloads for this endpoint go.
func (e Endpoint) RuleAddr() string {
	return fmt.Sprintf("%s:%d", e.Host, bus.RulePort(e.Channel, e.Port))
}

// EventAddr is where token events for this endpoint go.
func (e Endpoint) EventAddr() string {
	return fmt.Sprintf("%s:%d", e.Host, bus.EventPort(e.Channel, e.Port))
}

// RulePort is the endpoint's rule-inbound port.
func (e Endpoint) RulePort() int { return bus.RulePort(e.Channel, e.Port) }

// EventPort is the endpoint's event-inbound port.
func (e Endpoint) EventPort() int { return bus.EventPort(e.Channel, e.Port) }

// Resolver answers endpoint lookups against a fact store.
type Resolver struct {
	facts facts.Store
	log   Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(store facts.Store, log Logger) *Resolver {
	return &Resolver{facts: store, log: log}
}

// Resolve maps a (service, operation) onto its endpoint.
func (r *Resolver) Resolve(ctx context.Context, service, operation string) (Endpoint, error) {
	row, err := r.registration(ctx, service, operation)
	if err != nil {
		return Endpoint{}, err
	}
	channelID, portStr := row[0], row[1]

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s/%s: declared port %q is not numeric",
			service, operation, portStr)
	}

	res, err := r.facts.Query(ctx, facts.A("boundChannel", channelID, "?addr"))
	if err != nil {
		return Endpoint{}, fmt.Errorf("query boundChannel: %w", err)
	}
	bound := res.First()
	if bound == nil {
		return Endpoint{}, fmt.Errorf("%w: channel %s of %s/%s",
			ErrChannelUnresolved, channelID, service, operation)
	}

	host, channel := classifyAddr(bound[0], channelID, r.log)
	return Endpoint{
		Service:   service,
		Operation: operation,
		ChannelID: channelID,
		Channel:   channel,
		Port:      port,
		Host:      host,
	}, nil
}

func (r *Resolver) registration(ctx context.Context, service, operation string) ([]string, error) {
	res, err := r.facts.Query(ctx, facts.A("activeService", service, operation, "?ch", "?port"))
	if err != nil {
		return nil, fmt.Errorf("query activeService: %w", err)
	}
	if row := res.First(); row != nil {
		return row, nil
	}
	res, err = r.facts.Query(ctx, facts.A("hasOperation", service, operation, "?ch", "?port"))
	if err != nil {
		return nil, fmt.Errorf("query hasOperation: %w", err)
	}
	if row := res.First(); row != nil {
		return row, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrServiceNotFound, service, operation)
}

// classifyAddr decides the send address and channel number. Unicast IPv4
// stays as-is on channel 0. Multicast collapses onto the 224.1.x.y plane,
// with the third octet as the channel. Anything else passes through raw
// with the channel taken from the ChannelID digits.
func classifyAddr(addr, channelID string, log Logger) (string, int) {
	ip := net.ParseIP(addr)
	ip4 := ip.To4()
	if ip4 == nil {
		log.Warn("channel address is not IPv4, using raw", "addr", addr, "channel", channelID)
		return addr, channelDigits(channelID)
	}
	if ip4[0] >= 224 && ip4[0] <= 239 {
		host := fmt.Sprintf("224.1.%d.%d", ip4[2], ip4[3])
		return host, int(ip4[2])
	}
	return addr, 0
}

// channelDigits extracts the trailing digit run of a channel id, so ip1
// yields 1 and a23 yields 23.
func channelDigits(id string) int {
	end := len(id)
	start := end
	for start > 0 && id[start-1] >= '0' && id[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0
	}
	n, err := strconv.Atoi(id[start:end])
	if err != nil {
		return 0
	}
	return n
}
