package token

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// ErrNoRuleBaseVersion marks a datagram whose header carries no rule-base
// version. Such events are malformed and dropped by the receiver.
var ErrNoRuleBaseVersion = errors.New("event header missing ruleBaseVersion")

// Envelope is the XML event document exchanged on the bus. One envelope
// carries one workflow branch to one (service, operation) place.
type Envelope struct {
	XMLName    xml.Name        `xml:"event"`
	Header     Header          `xml:"header"`
	Join       JoinAttribute   `xml:"joinAttribute"`
	Service    Service         `xml:"service"`
	Monitor    MonitorData     `xml:"monitorData"`
	Transition *TransitionMeta `xml:"transition,omitempty"`
}

// Header identifies the token and the rule-base version it was emitted under.
type Header struct {
	// SequenceID encodes both the workflow instance and, for fork
	// children, the (joinCount, branch) pair. See the codec.
	SequenceID int64 `xml:"sequenceId"`

	RuleBaseVersion string `xml:"ruleBaseVersion"`

	// MonitorIncomingEvents asks the receiving place to record arrival
	// timing even when it is not a MonitorNode.
	MonitorIncomingEvents bool `xml:"monitorIncomingEvents"`
}

// JoinAttribute is the payload slot of the token: the named attribute a
// downstream join (or single-input place) consumes.
type JoinAttribute struct {
	AttributeName  string `xml:"attributeName"`
	AttributeValue string `xml:"attributeValue"`

	// NotAfter is the absolute expiry of a half-assembled join, in epoch
	// milliseconds. Past it, partial join state for this instance is
	// discarded.
	NotAfter int64 `xml:"notAfter"`
}

// Service names the intended recipient place.
type Service struct {
	ServiceName string `xml:"serviceName"`
	Operation   string `xml:"operation"`
}

// MonitorData carries the instance timing the hosts thread through every
// hop. Times are epoch milliseconds.
type MonitorData struct {
	ProcessStartTime   int64  `xml:"processStartTime"`
	EventArrivalTime   int64  `xml:"eventArrivalTime"`
	ProcessElapsedTime int64  `xml:"processElapsedTime"`
	CallingService     string `xml:"callingService"`
	LostEvents         int64  `xml:"lostEvents"`
}

// TransitionMeta is optional provenance stamped by the publishing place.
type TransitionMeta struct {
	PreviousPlace  string `xml:"previousPlace"`
	ForkTransition string `xml:"forkTransition"`
	ParentTokenID  int64  `xml:"parentTokenId"`
}

// Marshal renders the envelope as a standalone XML document.
func (e *Envelope) Marshal() ([]byte, error) {
	out, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Parse decodes one event datagram. Unknown elements are ignored and
// missing optional sections zero-fill, but an empty ruleBaseVersion makes
// the whole datagram invalid.
func Parse(data []byte) (*Envelope, error) {
	var e Envelope
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if e.Header.RuleBaseVersion == "" {
		return nil, ErrNoRuleBaseVersion
	}
	return &e, nil
}
