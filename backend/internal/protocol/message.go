package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabSync/backend/internal/crdt"
)

type Type string

// 客户端 -> 服务端
const (
	TypeJoin       Type = "join"
	TypeUpdate     Type = "update"
	TypeState      Type = "state"
	TypeDisconnect Type = "disconnect"
)

// 服务端 -> 客户端（update/state 两个方向都有）
const (
	TypeBootstrap   Type = "bootstrap"
	TypeSyncRequest Type = "sync_request"
	TypeRejoin      Type = "rejoin"
	TypeSaved       Type = "saved"
	TypeWarning     Type = "warning"
	TypeError       Type = "error"
)

// 错误码
const (
	CodeMalformedMessage        = "MALFORMED_MESSAGE"
	CodeMalformedUpdate         = "MALFORMED_UPDATE"
	CodeUnauthorizedJoin        = "UNAUTHORIZED_JOIN"
	CodeNotJoined               = "NOT_JOINED"
	CodeOriginMismatch          = "ORIGIN_MISMATCH"
	CodeRelayUnavailable        = "RELAY_UNAVAILABLE"
	CodePersistenceWriteFailure = "PERSISTENCE_WRITE_FAILURE"
	CodeUnknownType             = "UNKNOWN_TYPE"
)

var ErrMalformedMessage = errors.New("malformed protocol message")

// Message is the single envelope exchanged between a client replica and the
// relay. Update and snapshot bytes are opaque to the transport.
//
//	join        DocID, Origin, StateVector (empty for a fresh replica)
//	bootstrap   DocID, StateVector of the relay, and Snapshot or Updates
//	update      DocID, Origin, Payload (one encoded update)
//	state       DocID, Snapshot
//	sync_request DocID, StateVector the relay has; answer with update or state
//	rejoin      the outbound queue overflowed; send join again
//	saved       StateVector now durable
//	warning / error  Code, Content
type Message struct {
	Type        Type             `json:"type"`
	DocID       string           `json:"docId,omitempty"`
	SessionID   string           `json:"sessionId,omitempty"`
	Origin      string           `json:"origin,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Payload     []byte           `json:"payload,omitempty"`
	Updates     [][]byte         `json:"updates,omitempty"`
	Snapshot    []byte           `json:"snapshot,omitempty"`
	Code        string           `json:"code,omitempty"`
	Content     string           `json:"content,omitempty"`
}

func (m Message) MessageType() string { return string(m.Type) }

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the fields each client message type needs.
func (m Message) Validate() error {
	bad := func(why string) error {
		return fmt.Errorf("%w: %s: %s", ErrMalformedMessage, m.Type, why)
	}
	switch m.Type {
	case TypeJoin:
		if m.DocID == "" || m.Origin == "" {
			return bad("docId and origin are required")
		}
	case TypeUpdate:
		if m.DocID == "" || len(m.Payload) == 0 {
			return bad("docId and payload are required")
		}
	case TypeState:
		if m.DocID == "" || len(m.Snapshot) == 0 {
			return bad("docId and snapshot are required")
		}
	case TypeDisconnect, TypeBootstrap, TypeSyncRequest, TypeRejoin, TypeSaved, TypeWarning, TypeError:
	case "":
		return bad("missing type")
	}
	return nil
}

func Join(docID, origin string, sv crdt.StateVector) Message {
	return Message{Type: TypeJoin, DocID: docID, Origin: origin, StateVector: sv}
}

func Update(docID, origin string, payload []byte) Message {
	return Message{Type: TypeUpdate, DocID: docID, Origin: origin, Payload: payload}
}

func State(docID string, snapshot []byte) Message {
	return Message{Type: TypeState, DocID: docID, Snapshot: snapshot}
}

func Disconnect(docID string) Message {
	return Message{Type: TypeDisconnect, DocID: docID}
}

func SyncRequest(docID string, sv crdt.StateVector) Message {
	return Message{Type: TypeSyncRequest, DocID: docID, StateVector: sv}
}

func Rejoin(docID string) Message {
	return Message{Type: TypeRejoin, DocID: docID}
}

func Saved(docID string, sv crdt.StateVector) Message {
	return Message{Type: TypeSaved, DocID: docID, StateVector: sv}
}

func Warning(docID, code, content string) Message {
	return Message{Type: TypeWarning, DocID: docID, Code: code, Content: content}
}

func Error(docID, code, content string) Message {
	return Message{Type: TypeError, DocID: docID, Code: code, Content: content}
}
