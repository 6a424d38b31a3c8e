package pawchat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The hub speaks the SignalR JSON hub protocol: JSON records terminated by
// the 0x1E record separator, preceded by a one-time handshake.

const recordSeparator = 0x1e

// Hub message types.
const (
	hubInvocation       = 1
	hubStreamItem       = 2
	hubCompletion       = 3
	hubStreamInvocation = 4
	hubCancelInvocation = 5
	hubPing             = 6
	hubClose            = 7
)

// Hub method and event names.
const (
	methodSendMessage     = "SendMessage"
	methodMarkAsDelivered = "MarkMessageAsDelivered"
	eventReceiveMessage   = "ReceiveMessage"
	eventMessageDelivered = "MessageDelivered"
	eventUserConnected    = "UserConnected"
	eventUserDisconnected = "UserDisconnected"
	hubProtocolName       = "json"
	hubProtocolVersion    = 1
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// hubMessage is the union of all inbound record shapes.
type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// invocationMessage is an outbound invocation.
type invocationMessage struct {
	Type         int           `json:"type"`
	InvocationID string        `json:"invocationId,omitempty"`
	Target       string        `json:"target"`
	Arguments    []interface{} `json:"arguments"`
}

type pingMessage struct {
	Type int `json:"type"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

// splitRecords splits one transport message into its records. A transport
// message may carry several records; empty records are dropped.
func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func handshakeRecord() []byte {
	b, _ := encodeRecord(handshakeRequest{Protocol: hubProtocolName, Version: hubProtocolVersion})
	return b
}

// parseHandshake validates the handshake response and returns any records
// that arrived in the same transport message after it.
func parseHandshake(data []byte) ([][]byte, error) {
	recs := splitRecords(data)
	if len(recs) == 0 {
		return nil, fmt.Errorf("empty handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(recs[0], &resp); err != nil {
		return nil, fmt.Errorf("malformed handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return recs[1:], nil
}

// decodeUserRef reads a presence argument, which the hub sends either as a
// bare user id or as a user object.
func decodeUserRef(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID     ID `json:"id"`
		UserID ID `json:"userId"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.UserID != "" {
			return string(obj.UserID)
		}
		return string(obj.ID)
	}
	return ""
}
