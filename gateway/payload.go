package gateway

import (
	"encoding/json"

	"github.com/vinayprograms/dispatchkit/ratelimit"
)

// Opcode identifies a gateway payload.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

// Payload is one gateway frame.
type Payload struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Hello is the data of an OpHello payload.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Command is an outbound payload.
type Command struct {
	Op   Opcode
	Data interface{}
}

func (c Command) marshal() ([]byte, error) {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Payload{Op: c.Op, Data: data})
}

// BucketFor returns the bucket a command is admitted through and whether
// it bypasses the bucket's wait. Heartbeats must never be delayed, but they
// still count against the connection limit.
func BucketFor(op Opcode) (key ratelimit.BucketKey, ignoreLimit bool) {
	switch op {
	case OpIdentify:
		return ratelimit.GatewayIdentify, false
	case OpPresenceUpdate:
		return ratelimit.GatewayPresence, false
	case OpHeartbeat:
		return ratelimit.GatewayConnection, true
	default:
		return ratelimit.GatewayConnection, false
	}
}
