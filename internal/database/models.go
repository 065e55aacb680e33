package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Company 表示一个租户，配额计数直接挂在租户聚合上。
type Company struct {
	gorm.Model
	Name             string `gorm:"size:255"`
	PaidPlan         bool   `gorm:"default:false"`
	ResumeQuotaLimit int    `gorm:"default:0"`
	ResumeQuotaUsed  int    `gorm:"default:0"`
}

// Campaign 表示一次招聘活动，只有 Published 状态可接收投递。
type Campaign struct {
	gorm.Model
	CompanyID uint           `gorm:"index"`
	Name      string         `gorm:"size:255"`
	Status    CampaignStatus `gorm:"size:32"`
}

// Job 表示活动下的一个岗位，技能与评分标准以 JSONB 快照保存。
type Job struct {
	gorm.Model
	CompanyID       uint           `gorm:"index"`
	CampaignID      uint           `gorm:"index"`
	Title           string         `gorm:"size:255"`
	Skills          datatypes.JSON `gorm:"type:jsonb"`
	Criteria        datatypes.JSON `gorm:"type:jsonb"`
	EmploymentTypes datatypes.JSON `gorm:"type:jsonb"`
}

// Resume 表示租户内一份物理文档，按内容哈希寻址。
// 约束：同一 (company_id, file_hash) 至多一条 is_active=true 的记录，
// 由部分唯一索引兜底（摄取路径另按哈希串行化并发上传）；
// 记录只软停用，从不物理删除。
type Resume struct {
	gorm.Model
	CompanyID        uint           `gorm:"index:idx_resumes_company_hash,priority:1;index:uidx_resumes_active_hash,unique,where:is_active,priority:1"`
	FileURL          string         `gorm:"size:1024"`
	OriginalFileName string         `gorm:"size:255"`
	FileHash         string         `gorm:"size:64;index:idx_resumes_company_hash,priority:2;index:uidx_resumes_active_hash,priority:2"`
	Status           ResumeStatus   `gorm:"size:32;index"`
	ParsedData       datatypes.JSON `gorm:"type:jsonb"`
	CandidateID      *uint          `gorm:"index"`
	ReuseCount       int            `gorm:"default:0"`
	LastReusedAt     *time.Time
	IsLatest         bool `gorm:"default:true"`
	IsActive         bool `gorm:"default:true"`
}

// ResumeApplication 表示一份简历投向某个 (岗位, 活动) 的一次投递。
// QueueJobID 是 AI 回调定位记录的唯一凭据，绝不信任回调携带的业务主键。
type ResumeApplication struct {
	gorm.Model
	CompanyID               uint                 `gorm:"index"`
	ResumeID                uint                 `gorm:"index:idx_applications_resume_job,priority:1"`
	JobID                   uint                 `gorm:"index:idx_applications_resume_job,priority:2"`
	CampaignID              uint                 `gorm:"index"`
	CandidateID             *uint                `gorm:"index"`
	QueueJobID              string               `gorm:"size:36;uniqueIndex"`
	Status                  ApplicationStatus    `gorm:"size:32;index"`
	ErrorType               ApplicationErrorType `gorm:"size:32"`
	TotalScore              *float64
	AdjustedScore           *float64
	MatchSkills             datatypes.JSON `gorm:"type:jsonb"`
	MissingSkills           datatypes.JSON `gorm:"type:jsonb"`
	ProcessingMode          ProcessingMode `gorm:"size:16"`
	ClonedFromApplicationID *uint
	ProcessedAt             *time.Time
	ProcessingTimeMs        *int64
	IsActive                bool `gorm:"default:true"`

	Resume *Resume `gorm:"foreignKey:ResumeID"`
}

// Candidate 表示租户内去重后的自然人。
// 身份只有在解析完成后才可知，因此在回调对账阶段按
// (邮箱 ∨ 姓名+电话) 懒创建/合并，而不是在上传阶段。
type Candidate struct {
	gorm.Model
	CompanyID uint   `gorm:"index:idx_candidates_company_email,priority:1"`
	FullName  string `gorm:"size:255"`
	Email     string `gorm:"size:255;index:idx_candidates_company_email,priority:2"`
	Phone     string `gorm:"size:50;index"`
}

// ScoreDetail 表示单条评分标准的得分，随 Reviewed 状态一次性写入。
type ScoreDetail struct {
	gorm.Model
	ApplicationID uint    `gorm:"index"`
	Criterion     string  `gorm:"size:255"`
	Score         float64 `gorm:"type:float"`
	MaxScore      float64 `gorm:"type:float"`
	Comment       string  `gorm:"type:text"`
}

// AutoMigrateModels 返回需要迁移的全部模型，供 main 与测试复用。
func AutoMigrateModels() []any {
	return []any{
		&Company{},
		&Campaign{},
		&Job{},
		&Resume{},
		&ResumeApplication{},
		&Candidate{},
		&ScoreDetail{},
	}
}
