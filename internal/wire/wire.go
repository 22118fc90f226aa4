// Package wire defines the relay message envelope spoken over the
// document channel. Updates and awareness payloads are opaque to the
// relay; it only routes them.
package wire

import "encoding/json"

// Message types.
const (
	// TypeJoin is the first client message on a connection: document id
	// plus join token.
	TypeJoin = "join"
	// TypeJoined acknowledges a join with the relay-assigned client id
	// and the accumulated update history for catch-up.
	TypeJoined = "joined"
	// TypeUpdate carries one encoded document update.
	TypeUpdate = "update"
	// TypeAwareness carries encoded presence entries; never stored.
	TypeAwareness = "awareness"
	// TypePeerGone announces a disconnected client to the room.
	TypePeerGone = "peer_gone"
	// TypeError reports a fatal protocol or authorization error before
	// the relay closes the connection.
	TypeError = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
)

type Message struct {
	Type     string   `json:"type"`
	Doc      string   `json:"doc,omitempty"`
	Token    string   `json:"token,omitempty"`
	ClientID uint64   `json:"clientId,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Updates  [][]byte `json:"updates,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func Encode(m Message) []byte {
	buf, err := json.Marshal(m)
	if err != nil {
		panic(err) // Message contains only marshalable fields
	}
	return buf
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
