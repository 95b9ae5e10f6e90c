// Package rulebase defines the rule-installation payload and the queryable
// per-place view a service host builds from it.
package rulebase

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
)

// ErrNoTargetService marks a payload that names no destination place.
var ErrNoTargetService = errors.New("rule payload missing targetservice")

// Payload is the rule-installation XML datagram the deployer pushes to
// each place, composed from an on-disk template.
type Payload struct {
	XMLName xml.Name      `xml:"rulepayload"`
	Header  PayloadHeader `xml:"header"`
	Target  TargetService `xml:"targetservice"`
	Rules   RuleFileData  `xml:"rulefiledata"`
}

// PayloadHeader carries the deploy identity. The commitment number is
// monotonic within one deploy and echoed back on the commit ack.
type PayloadHeader struct {
	RuleBaseVersion    string `xml:"ruleBaseVersion"`
	RuleBaseCommitment int    `xml:"ruleBaseCommitment"`
}

// TargetService names the place the rules are for. Buffer, when present,
// sizes the orchestrator's event queue.
type TargetService struct {
	ServiceName   string `xml:"serviceName"`
	OperationName string `xml:"operationName"`
	Buffer        *int   `xml:"buffer,omitempty"`
}

// RuleFileData wraps the atom text, one atom per line.
type RuleFileData struct {
	Data string `xml:"data"`
}

// Marshal renders the payload as a standalone XML document.
func (p *Payload) Marshal() ([]byte, error) {
	out, err := xml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal rule payload: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ParsePayload decodes a rule-payload datagram or template.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse rule payload: %w", err)
	}
	return &p, nil
}

// LoadTemplate reads and parses the payload template file. The template is
// read-only; deploys fill in copies of the parsed value.
func LoadTemplate(path string) (*Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule payload template: %w", err)
	}
	return ParsePayload(raw)
}

// Validate checks the fields a host needs before installing.
func (p *Payload) Validate() error {
	if p.Header.RuleBaseVersion == "" {
		return errors.New("rule payload missing ruleBaseVersion")
	}
	if p.Target.ServiceName == "" || p.Target.OperationName == "" {
		return ErrNoTargetService
	}
	return nil
}
