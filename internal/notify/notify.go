package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 统一的通知消息协议（通过 Redis Pub/Sub 转发给前端）。
// 注意：这里的字段名与前端解析保持一致。
type Event struct {
	Type          string `json:"type"`
	CompanyID     uint   `json:"company_id"`
	ResumeID      uint   `json:"resume_id,omitempty"`
	ApplicationID uint   `json:"application_id,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	Status        string `json:"status,omitempty"`
	ErrorCode     int    `json:"error_code"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// 事件类型常量。
const (
	EventResumeAccepted = "resume_accepted"
	EventResumeScored   = "resume_scored"
	EventResumeFailed   = "resume_failed"
	EventResumeTimeout  = "resume_timeout"
)

// Channel 返回租户的通知频道名。
func Channel(companyID uint) string {
	return fmt.Sprintf("company_notify:%d", companyID)
}

// Publisher 将事件发布到租户的 Redis 频道，投递本身即发即弃。
type Publisher struct {
	redisClient *redis.Client
}

// NewPublisher 构造发布器。
func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redisClient: redisClient}
}

// Publish 序列化事件并发布；失败由调用方记日志，不重试。
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notify event: %w", err)
	}
	channel := Channel(ev.CompanyID)
	if err := p.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish notify event to %q: %w", channel, err)
	}
	return nil
}
