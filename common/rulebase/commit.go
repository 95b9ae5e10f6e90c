package rulebase

import (
	"fmt"
	"strconv"
	"strings"
)

const confirmedPrefix = "CONFIRMED:"

// Confirmation is the commit acknowledgement a host returns after
// installing a rule payload. On the wire it is the literal
// CONFIRMED:{version}:{commitment}.
type Confirmation struct {
	Version    string
	Commitment int
}

// Format renders the acknowledgement datagram.
func (c Confirmation) Format() []byte {
	return []byte(fmt.Sprintf("%s%s:%d", confirmedPrefix, c.Version, c.Commitment))
}

// ParseConfirmation parses an acknowledgement datagram. It returns
// false for anything that is not a well-formed acknowledgement.
func ParseConfirmation(payload []byte) (Confirmation, bool) {
	s := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(s, confirmedPrefix) {
		return Confirmation{}, false
	}
	rest := strings.TrimPrefix(s, confirmedPrefix)
	sep := strings.LastIndexByte(rest, ':')
	if sep <= 0 || sep == len(rest)-1 {
		return Confirmation{}, false
	}
	n, err := strconv.Atoi(rest[sep+1:])
	if err != nil || n < 0 {
		return Confirmation{}, false
	}
	return Confirmation{Version: rest[:sep], Commitment: n}, true
}
