// Package message defines the transaction messages exchanged between the
// client and a coordinator.
//
// RpcMessage is the envelope for every call. It is serialized by the codec
// layer and wrapped in a protocol frame for transmission over TCP.
package message

import "fmt"

// MessageType identifies a transaction request or its result.
type MessageType int16

const (
	TypeGlobalBegin              MessageType = 1
	TypeGlobalBeginResult        MessageType = 2
	TypeGlobalCommit             MessageType = 7
	TypeGlobalCommitResult       MessageType = 8
	TypeGlobalRollback           MessageType = 9
	TypeGlobalRollbackResult     MessageType = 10
	TypeBranchRegister           MessageType = 11
	TypeBranchRegisterResult     MessageType = 12
	TypeBranchStatusReport       MessageType = 13
	TypeBranchStatusReportResult MessageType = 14
	TypeGlobalStatus             MessageType = 15
	TypeGlobalStatusResult       MessageType = 16
	TypeGlobalLockQuery          MessageType = 21
	TypeGlobalLockQueryResult    MessageType = 22
	TypeRegRM                    MessageType = 103
	TypeRegRMResult              MessageType = 104
	TypeHeartbeat                MessageType = 120
)

var typeNames = map[MessageType]string{
	TypeGlobalBegin:              "GlobalBegin",
	TypeGlobalBeginResult:        "GlobalBeginResult",
	TypeGlobalCommit:             "GlobalCommit",
	TypeGlobalCommitResult:       "GlobalCommitResult",
	TypeGlobalRollback:           "GlobalRollback",
	TypeGlobalRollbackResult:     "GlobalRollbackResult",
	TypeBranchRegister:           "BranchRegister",
	TypeBranchRegisterResult:     "BranchRegisterResult",
	TypeBranchStatusReport:       "BranchStatusReport",
	TypeBranchStatusReportResult: "BranchStatusReportResult",
	TypeGlobalStatus:             "GlobalStatus",
	TypeGlobalStatusResult:       "GlobalStatusResult",
	TypeGlobalLockQuery:          "GlobalLockQuery",
	TypeGlobalLockQueryResult:    "GlobalLockQueryResult",
	TypeRegRM:                    "RegRM",
	TypeRegRMResult:              "RegRMResult",
	TypeHeartbeat:                "Heartbeat",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int16(t))
}

// ResultType returns the type a coordinator answers t with. Heartbeats are
// answered with a heartbeat; result types and unknown types map to
// themselves.
func (t MessageType) ResultType() MessageType {
	switch t {
	case TypeGlobalBegin, TypeGlobalCommit, TypeGlobalRollback, TypeBranchRegister,
		TypeBranchStatusReport, TypeGlobalStatus, TypeGlobalLockQuery, TypeRegRM:
		return t + 1
	}
	return t
}

// RpcMessage carries one request or response.
//
//   - On request:  Type, XID and Payload are set, Error is empty.
//   - On response: Type is the result type; Error is non-empty if the
//     coordinator failed the request.
type RpcMessage struct {
	Type       MessageType `json:"type"`
	XID        string      `json:"xid,omitempty"`
	ResourceID string      `json:"resourceId,omitempty"`
	Payload    []byte      `json:"payload,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// NewRequest builds a request of type t for transaction xid.
func NewRequest(t MessageType, xid string, payload []byte) *RpcMessage {
	return &RpcMessage{Type: t, XID: xid, Payload: payload}
}

// Reply builds the response to m carrying payload.
func (m *RpcMessage) Reply(payload []byte) *RpcMessage {
	return &RpcMessage{
		Type:       m.Type.ResultType(),
		XID:        m.XID,
		ResourceID: m.ResourceID,
		Payload:    payload,
	}
}

// Err returns the coordinator's error as a *RemoteError, or nil.
func (m *RpcMessage) Err() error {
	if m == nil || m.Error == "" {
		return nil
	}
	return &RemoteError{Type: m.Type, XID: m.XID, Msg: m.Error}
}

// RemoteError is a failure reported by the coordinator rather than the
// transport. It is never retried.
type RemoteError struct {
	Type MessageType
	XID  string
	Msg  string
}

func (e *RemoteError) Error() string {
	if e.XID == "" {
		return fmt.Sprintf("coordinator: %s: %s", e.Type, e.Msg)
	}
	return fmt.Sprintf("coordinator: %s %s: %s", e.Type, e.XID, e.Msg)
}
