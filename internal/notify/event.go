// Package notify 负责核心向外部投递事件。
//
// 核心只把事件写入 Publisher，不关心订阅方的投递方式或顺序。每个事件都带有
// 幂等键（记录 ID + 新状态或事件类型），下游可以据此去重，因此投递语义是
// 至少一次。
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Type 表示事件类型。
type Type string

// 支持的事件类型。
const (
	TypeEscrowStateChanged Type = "escrow.state_changed"
	TypeDisputeOpened      Type = "dispute.opened"
	TypeVoteAccepted       Type = "vote.accepted"
	TypeConsensusReached   Type = "consensus.reached"
	TypeSettlementIssued   Type = "settlement.issued"
	TypeOperatorEscalation Type = "operator.escalation"
)

// Event 是一条对外通知。
type Event struct {
	Key        string            `json:"key" msgpack:"key"`
	Type       Type              `json:"type" msgpack:"type"`
	EscrowID   string            `json:"escrow_id,omitempty" msgpack:"escrow_id,omitempty"`
	DisputeID  string            `json:"dispute_id,omitempty" msgpack:"dispute_id,omitempty"`
	State      string            `json:"state,omitempty" msgpack:"state,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at" msgpack:"occurred_at"`
}

// IdempotencyKey 组合记录 ID 与状态或子键。
func IdempotencyKey(id string, parts ...string) string {
	key := id
	for _, p := range parts {
		if p == "" {
			continue
		}
		key += ":" + p
	}
	return key
}

// EscrowStateChanged 构造托管状态变更事件，幂等键为 escrowID:state。
func EscrowStateChanged(escrowID, state string, at time.Time) Event {
	return Event{
		Key:        IdempotencyKey(escrowID, state),
		Type:       TypeEscrowStateChanged,
		EscrowID:   escrowID,
		State:      state,
		OccurredAt: at,
	}
}

// DisputeOpened 构造争议创建事件。
func DisputeOpened(escrowID, disputeID string, at time.Time) Event {
	return Event{
		Key:        IdempotencyKey(disputeID, "opened"),
		Type:       TypeDisputeOpened,
		EscrowID:   escrowID,
		DisputeID:  disputeID,
		State:      "open",
		OccurredAt: at,
	}
}

// VoteAccepted 构造投票受理事件。事件不携带投票内容，保证盲投。
func VoteAccepted(escrowID, disputeID, voterID string, at time.Time) Event {
	return Event{
		Key:        IdempotencyKey(disputeID, "vote", voterID),
		Type:       TypeVoteAccepted,
		EscrowID:   escrowID,
		DisputeID:  disputeID,
		Attributes: map[string]string{"voter_id": voterID},
		OccurredAt: at,
	}
}

// ConsensusReached 构造争议裁决事件。
func ConsensusReached(escrowID, disputeID, decision, kind string, at time.Time) Event {
	return Event{
		Key:        IdempotencyKey(disputeID, "resolved"),
		Type:       TypeConsensusReached,
		EscrowID:   escrowID,
		DisputeID:  disputeID,
		State:      "resolved",
		Attributes: map[string]string{"decision": decision, "outcome": kind},
		OccurredAt: at,
	}
}

// SettlementIssued 构造资金指令已执行事件，幂等键为指令键。
func SettlementIssued(escrowID, instructionKey, target string, at time.Time) Event {
	return Event{
		Key:        IdempotencyKey(instructionKey, "settled"),
		Type:       TypeSettlementIssued,
		EscrowID:   escrowID,
		State:      target,
		Attributes: map[string]string{"instruction_key": instructionKey},
		OccurredAt: at,
	}
}

// Encoding 表示事件序列化格式。
type Encoding string

// 支持的编码。
const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ContentType 返回编码对应的 MIME 类型。
func (e Encoding) ContentType() string {
	if e == EncodingMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Encode 按指定格式序列化事件。
func Encode(enc Encoding, evt Event) ([]byte, error) {
	switch enc {
	case "", EncodingJSON:
		return json.Marshal(evt)
	case EncodingMsgpack:
		return msgpack.Marshal(evt)
	default:
		return nil, fmt.Errorf("不支持的事件编码: %s", enc)
	}
}

// Decode 反序列化事件。
func Decode(enc Encoding, data []byte) (Event, error) {
	var evt Event
	var err error
	switch enc {
	case "", EncodingJSON:
		err = json.Unmarshal(data, &evt)
	case EncodingMsgpack:
		err = msgpack.Unmarshal(data, &evt)
	default:
		err = fmt.Errorf("不支持的事件编码: %s", enc)
	}
	return evt, err
}
