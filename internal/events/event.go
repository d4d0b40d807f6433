package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind 表示事件类别。
type Kind string

const (
	KindAgentRegistered   Kind = "agent.registered"
	KindAgentUnregistered Kind = "agent.unregistered"
	KindAgentUnhealthy    Kind = "agent.unhealthy"
	KindRequestCompleted  Kind = "agent.request_completed"
	KindAuditRecorded     Kind = "audit.recorded"
	KindAccessDenied      Kind = "policy.denied"
	KindChainAnchored     Kind = "chain.anchored"
)

// Event 是事件总线上传递的 JSON 信封。
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	AgentID    string         `json:"agent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New 生成带唯一 ID 与时间戳的事件。
func New(kind Kind, agentID string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		AgentID:    agentID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Encode 序列化事件。
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode 反序列化事件。
func Decode(data []byte) (Event, error) {
	var evt Event
	err := json.Unmarshal(data, &evt)
	return evt, err
}
