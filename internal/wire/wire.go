// Package wire defines the JSON messages exchanged between probers and the
// collector over the websocket connection.
//
// The protocol is intentionally small: a prober authenticates with an auth
// message, streams output messages, and receives output_ack and target_list
// messages back. All frames are JSON text frames.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators.
const (
	TypeAuth       = "auth"
	TypeOutput     = "output"
	TypeOutputAck  = "output_ack"
	TypeTargetList = "target_list"
)

// Envelope is decoded first to switch on the message type.
type Envelope struct {
	Type string `json:"type"`
}

// Auth is the first message a prober sends after the socket opens.
type Auth struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func NewAuth(name string) Auth {
	return Auth{Type: TypeAuth, Name: name}
}

// Reply is one (destination, receive time) element of an output message.
// A nil ReceiveTime means the destination did not answer within the reply
// window. On the wire a reply is a 2-element array: [ip, receive_time|null].
type Reply struct {
	IP          string
	ReceiveTime *float64
}

func (r Reply) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.IP, r.ReceiveTime})
}

func (r *Reply) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("reply is not a 2-element array: %w", err)
	}
	if err := json.Unmarshal(raw[0], &r.IP); err != nil {
		return fmt.Errorf("reply ip: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.ReceiveTime); err != nil {
		return fmt.Errorf("reply receive_time: %w", err)
	}
	return nil
}

// Output carries one tick's worth of probe results. The transport stamps ID
// before the first transmission and keeps it on retransmissions, and stamps
// MessageTransmitTime before each transmission; RemoteIP and ProberName are
// filled in by the collector.
type Output struct {
	Type                string  `json:"type"`
	ID                  uint64  `json:"id,omitempty"`
	SendTime            float64 `json:"send_time"`
	Replies             []Reply `json:"replies"`
	MessageTransmitTime float64 `json:"message_transmit_time,omitempty"`
	RemoteIP            string  `json:"remote_ip,omitempty"`
	ProberName          string  `json:"prober_name,omitempty"`
}

// OutputAck confirms that the collector enqueued an output message.
type OutputAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	ID     uint64 `json:"id"`
}

func NewOutputAck(id uint64) OutputAck {
	return OutputAck{Type: TypeOutputAck, Status: "enqueued", ID: id}
}

// Target is one entry of a target_list message.
type Target struct {
	IP   string  `json:"ip"`
	Kind string  `json:"type"`
	Port *uint16 `json:"port"`
}

// TargetList is pushed by the collector after auth and whenever it processes
// a NotifyProbers control message.
type TargetList struct {
	Type    string   `json:"type"`
	Targets []Target `json:"targets"`
}

func NewTargetList(targets []Target) TargetList {
	return TargetList{Type: TypeTargetList, Targets: targets}
}
