package history

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/teamflow/types"
	"github.com/BaSui01/teamflow/workflow"
)

// WorkflowRun 一次工作流运行
type WorkflowRun struct {
	ID         string             `gorm:"primaryKey;size:64" json:"id"`
	Input      string             `gorm:"type:text;not null" json:"-"`                // 原始输入消息（JSON）
	Debug      bool               `gorm:"not null;default:false" json:"debug"`        // 是否开启调试日志
	Status     workflow.RunStatus `gorm:"size:16;not null;index" json:"status"`       // running/completed/failed/cancelled
	EventCount int                `gorm:"not null;default:0" json:"event_count"`      // 已发出的事件数（含首尾事件）
	Error      string             `gorm:"type:text;not null;default:''" json:"error"` // 失败原因
	StartedAt  time.Time          `gorm:"not null;index" json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// TableName 表名
func (WorkflowRun) TableName() string {
	return "workflow_runs"
}

// Messages 解码输入消息
func (r *WorkflowRun) Messages() ([]types.Message, error) {
	if r.Input == "" {
		return nil, nil
	}
	var msgs []types.Message
	if err := json.Unmarshal([]byte(r.Input), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Duration 运行时长，未结束时为 0
func (r *WorkflowRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// MarshalJSON 输出时把输入消息展开为数组
func (r WorkflowRun) MarshalJSON() ([]byte, error) {
	type alias WorkflowRun
	input := json.RawMessage(r.Input)
	if len(input) == 0 {
		input = json.RawMessage("[]")
	}
	return json.Marshal(struct {
		alias
		Input json.RawMessage `json:"input"`
	}{alias: alias(r), Input: input})
}
