package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
)

// 任务类型常量，确保队列生产者与消费者一致。
const (
	TypeResumeScore  = "resume:score"
	TypeSweepPending = "resume:sweep"
)

// ResumeScorePayload 是交给外部 AI worker 的打分任务描述。
// 岗位技能与评分标准随任务快照，worker 不回查数据库；
// ProcessingMode 为 Score 时附带已解析数据，worker 跳过解析。
type ResumeScorePayload struct {
	QueueJobID      string         `json:"queue_job_id"`
	ResumeID        uint           `json:"resume_id"`
	ApplicationID   uint           `json:"application_id"`
	CompanyID       uint           `json:"company_id"`
	JobID           uint           `json:"job_id"`
	CampaignID      uint           `json:"campaign_id"`
	JobTitle        string         `json:"job_title"`
	Skills          datatypes.JSON `json:"skills,omitempty"`
	Criteria        datatypes.JSON `json:"criteria,omitempty"`
	EmploymentTypes datatypes.JSON `json:"employment_types,omitempty"`
	FileURL         string         `json:"file_url"`
	ProcessingMode  string         `json:"processing_mode"`
	ParsedData      datatypes.JSON `json:"parsed_data,omitempty"`
	CorrelationID   string         `json:"correlation_id"`
}

// NewResumeScoreTask 构造一个新的简历打分任务。
func NewResumeScoreTask(p ResumeScorePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResumeScore, payload), nil
}

// SweepPendingPayload 目前为空，保留结构便于以后扩展阈值参数。
type SweepPendingPayload struct{}

// NewSweepPendingTask 构造一次 Pending 超时清扫任务。
func NewSweepPendingTask() (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPendingPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSweepPending, payload), nil
}
