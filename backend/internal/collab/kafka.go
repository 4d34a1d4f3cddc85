package collab

import (
	"encoding/json"
	"time"
)

const EventUpdateApplied = "UPDATE_APPLIED"

// UpdateAppliedEvent 是房间每合并一条更新后发往 Kafka 的事件，供审计、搜索索引等下游消费
type UpdateAppliedEvent struct {
	EventType string          `json:"eventType"` // 固定 "UPDATE_APPLIED"
	DocID     string          `json:"docId"`
	UpdateID  string          `json:"updateId"`
	Origin    string          `json:"origin"`
	Seq       uint64          `json:"seq"`       // 针对同一个 origin 的本地递增序号
	Revision  uint64          `json:"revision"`  // 合并后房间状态向量之和
	SessionID string          `json:"sessionId"` // 提交该更新的会话，跨节点转发时为空
	NodeID    string          `json:"nodeId"`
	Payload   json.RawMessage `json:"payload"`
	AppliedAt time.Time       `json:"appliedAt"`
}
