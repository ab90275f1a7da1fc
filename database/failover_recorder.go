package database

import (
	"context"

	"slotmesh/failover"
)

// FailoverRecorder 把故障切换事件写入数据库，实现 failover.EventRecorder
type FailoverRecorder struct {
	db Database
}

// NewFailoverRecorder 创建故障切换事件记录器
func NewFailoverRecorder(db Database) *FailoverRecorder {
	return &FailoverRecorder{db: db}
}

// RecordFailoverEvent 保存事件，同一 EventID 覆盖为最新状态
func (r *FailoverRecorder) RecordFailoverEvent(ctx context.Context, ev failover.Event) error {
	return r.db.SaveFailoverEvent(ctx, &FailoverEventRecord{
		EventID:           ev.EventID,
		SlotID:            ev.SlotID,
		FailedAgentID:     ev.FailedAgentID,
		SubstituteAgentID: ev.SubstituteAgentID,
		Trigger:           string(ev.Trigger),
		Status:            string(ev.Status),
		ContextPreserved:  ev.ContextPreserved,
		DurationMs:        ev.DurationMs,
		Error:             ev.Error,
		CreatedAt:         ev.Timestamp,
	})
}
