// Package switchlink connects the flow cache to switch agents over AMQP.
// Agents announce themselves with BEACON messages, answer
// FLOW_TABLE_REQUEST messages with a FLOW_TABLE report sent to the
// requester's reply address, and send FLOW_REMOVED notifications when a
// flow expires or is evicted.
package switchlink

import (
	"errors"
	"fmt"

	amqp "github.com/Azure/go-amqp"
	"github.com/skupperproject/flowcache/pkg/flowcache"
)

const (
	// BeaconAddress is the multicast address switch agents announce on.
	BeaconAddress = "mc/flowcache.switches"

	SubjectBeacon           = "BEACON"
	SubjectFlowTableRequest = "FLOW_TABLE_REQUEST"
	SubjectFlowTable        = "FLOW_TABLE"
	SubjectFlowRemoved      = "FLOW_REMOVED"
)

type MessageProps struct {
	To      string
	Subject string
	ReplyTo string
}

func decodeProps(msg *amqp.Message) MessageProps {
	var p MessageProps
	if msg.Properties == nil {
		return p
	}
	if msg.Properties.To != nil {
		p.To = *msg.Properties.To
	}
	if msg.Properties.Subject != nil {
		p.Subject = *msg.Properties.Subject
	}
	if msg.Properties.ReplyTo != nil {
		p.ReplyTo = *msg.Properties.ReplyTo
	}
	return p
}

func (p MessageProps) properties(subject string) *amqp.MessageProperties {
	props := &amqp.MessageProperties{Subject: &subject}
	if p.To != "" {
		props.To = &p.To
	}
	if p.ReplyTo != "" {
		props.ReplyTo = &p.ReplyTo
	}
	return props
}

func decodeDPID(msg *amqp.Message) (flowcache.DPID, error) {
	raw, ok := msg.ApplicationProperties["dpid"].(string)
	if !ok {
		return 0, errors.New("message has no dpid property")
	}
	return flowcache.ParseDPID(raw)
}

// Decode a raw message into one of BeaconMessage, FlowTableRequest,
// FlowTableMessage or FlowRemovedMessage.
func Decode(msg *amqp.Message) (any, error) {
	if msg == nil || msg.Properties == nil || msg.Properties.Subject == nil {
		return nil, errors.New("cannot decode message without subject")
	}
	switch subject := *msg.Properties.Subject; subject {
	case SubjectBeacon:
		return DecodeBeacon(msg)
	case SubjectFlowTableRequest:
		return DecodeFlowTableRequest(msg)
	case SubjectFlowTable:
		return DecodeFlowTable(msg)
	case SubjectFlowRemoved:
		return DecodeFlowRemoved(msg)
	default:
		return nil, fmt.Errorf("cannot decode message with subject %q", subject)
	}
}

type BeaconMessage struct {
	MessageProps
	Version uint32
	DPID    flowcache.DPID
	// Direct is the address the agent receives requests on.
	Direct string
}

func DecodeBeacon(msg *amqp.Message) (BeaconMessage, error) {
	m := BeaconMessage{MessageProps: decodeProps(msg)}
	var err error
	if m.DPID, err = decodeDPID(msg); err != nil {
		return m, fmt.Errorf("invalid beacon: %w", err)
	}
	if version, ok := msg.ApplicationProperties["v"].(uint32); ok {
		m.Version = version
	}
	if direct, ok := msg.ApplicationProperties["direct"].(string); ok {
		m.Direct = direct
	}
	if m.Direct == "" {
		return m, fmt.Errorf("invalid beacon from %s: no direct address", m.DPID)
	}
	return m, nil
}

func (m BeaconMessage) Encode() *amqp.Message {
	if m.To == "" {
		m.To = BeaconAddress
	}
	return &amqp.Message{
		Properties: m.properties(SubjectBeacon),
		ApplicationProperties: map[string]any{
			"v":      m.Version,
			"dpid":   m.DPID.String(),
			"direct": m.Direct,
		},
	}
}

// FlowTableRequest asks a switch to report its complete flow table to
// ReplyTo.
type FlowTableRequest struct {
	MessageProps
	DPID flowcache.DPID
}

func DecodeFlowTableRequest(msg *amqp.Message) (FlowTableRequest, error) {
	m := FlowTableRequest{MessageProps: decodeProps(msg)}
	var err error
	if m.DPID, err = decodeDPID(msg); err != nil {
		return m, fmt.Errorf("invalid flow table request: %w", err)
	}
	if m.ReplyTo == "" {
		return m, errors.New("invalid flow table request: no reply address")
	}
	return m, nil
}

func (m FlowTableRequest) Encode() *amqp.Message {
	return &amqp.Message{
		Properties:            m.properties(SubjectFlowTableRequest),
		ApplicationProperties: map[string]any{"dpid": m.DPID.String()},
	}
}

// FlowTableMessage carries the complete flow table of one switch.
type FlowTableMessage struct {
	MessageProps
	DPID  flowcache.DPID
	Flows []flowcache.Reported
}

func DecodeFlowTable(msg *amqp.Message) (FlowTableMessage, error) {
	m := FlowTableMessage{MessageProps: decodeProps(msg)}
	var err error
	if m.DPID, err = decodeDPID(msg); err != nil {
		return m, fmt.Errorf("invalid flow table: %w", err)
	}
	if msg.Value == nil {
		m.Flows = []flowcache.Reported{}
		return m, nil
	}
	values, ok := msg.Value.([]any)
	if !ok {
		return m, fmt.Errorf("unexpected type for flow table body: %T", msg.Value)
	}
	m.Flows = make([]flowcache.Reported, 0, len(values))
	for i, value := range values {
		flow, err := decodeFlow(value)
		if err != nil {
			return m, fmt.Errorf("flow %d: %w", i, err)
		}
		m.Flows = append(m.Flows, flow)
	}
	return m, nil
}

func (m FlowTableMessage) Encode() *amqp.Message {
	flows := make([]any, len(m.Flows))
	for i, flow := range m.Flows {
		flows[i] = encodeFlow(flow)
	}
	return &amqp.Message{
		Properties:            m.properties(SubjectFlowTable),
		ApplicationProperties: map[string]any{"dpid": m.DPID.String()},
		Value:                 flows,
	}
}

// FlowRemovedMessage reports a single flow the switch no longer has.
type FlowRemovedMessage struct {
	MessageProps
	DPID flowcache.DPID
	Key  flowcache.Key
}

func DecodeFlowRemoved(msg *amqp.Message) (FlowRemovedMessage, error) {
	m := FlowRemovedMessage{MessageProps: decodeProps(msg)}
	var err error
	if m.DPID, err = decodeDPID(msg); err != nil {
		return m, fmt.Errorf("invalid flow removed notification: %w", err)
	}
	flow, err := decodeFlow(msg.Value)
	if err != nil {
		return m, fmt.Errorf("invalid flow removed notification: %w", err)
	}
	m.Key = flow.Key
	return m, nil
}

func (m FlowRemovedMessage) Encode() *amqp.Message {
	return &amqp.Message{
		Properties:            m.properties(SubjectFlowRemoved),
		ApplicationProperties: map[string]any{"dpid": m.DPID.String()},
		Value:                 encodeFlow(flowcache.Reported{Key: m.Key}),
	}
}

// encodeFlow renders a flow as an AMQP map. Actions are omitted when
// unknown and an empty list means drop.
func encodeFlow(flow flowcache.Reported) map[string]any {
	out := map[string]any{
		"cookie":   flow.Cookie,
		"priority": flow.Priority,
		"match":    flow.Match.String(),
	}
	if flow.Actions != nil {
		actions := make([]any, len(flow.Actions))
		for i, a := range flow.Actions {
			actions[i] = a.String()
		}
		out["actions"] = actions
	}
	return out
}

func decodeFlow(value any) (flowcache.Reported, error) {
	var flow flowcache.Reported
	attrs, err := attributes(value)
	if err != nil {
		return flow, err
	}
	cookie, ok := attrs["cookie"].(uint64)
	if !ok {
		return flow, fmt.Errorf("unexpected type for cookie: %T", attrs["cookie"])
	}
	priority, ok := attrs["priority"].(uint16)
	if !ok {
		return flow, fmt.Errorf("unexpected type for priority: %T", attrs["priority"])
	}
	rawMatch, _ := attrs["match"].(string)
	match, err := flowcache.ParseMatch(rawMatch)
	if err != nil {
		return flow, err
	}
	flow.Key = flowcache.NewKey(cookie, priority, match)

	switch actions := attrs["actions"].(type) {
	case nil:
	case []any:
		flow.Actions = make([]flowcache.Action, 0, len(actions))
		for _, raw := range actions {
			s, ok := raw.(string)
			if !ok {
				return flow, fmt.Errorf("unexpected type for action: %T", raw)
			}
			a, err := flowcache.ParseAction(s)
			if err != nil {
				return flow, err
			}
			flow.Actions = append(flow.Actions, a)
		}
	default:
		return flow, fmt.Errorf("unexpected type for actions: %T", actions)
	}
	return flow, nil
}

// attributes accepts maps as built locally and as decoded off the wire.
func attributes(value any) (map[string]any, error) {
	switch m := value.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected flow attribute key type %T", k)
			}
			out[key] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected type for flow: %T", value)
}
