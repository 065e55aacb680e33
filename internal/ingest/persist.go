package ingest

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"talentgate/internal/database"
)

// PersistInput 汇总写入一次投递所需的全部事实。
type PersistInput struct {
	CompanyID  uint
	JobID      uint
	CampaignID uint
	Decision   *Decision
	QueueJobID string
	FileURL    string
	FileName   string
	FileHash   string
	Now        time.Time
}

// PersistResult 返回写入后的记录，供入队与通知使用。
type PersistResult struct {
	Resume      *database.Resume
	Application *database.ResumeApplication
	// NeedsQueue 为 true 时调用方必须在事务提交后投递打分任务。
	NeedsQueue bool
}

// ApplyDecision 按去重决策在 tx 内写入 fresh / reuse / clone 三种形态之一。
// 必须与配额占用处于同一事务；克隆不产生队列任务。
func ApplyDecision(tx *gorm.DB, in PersistInput) (*PersistResult, error) {
	switch in.Decision.Kind {
	case DecisionFresh:
		return applyFresh(tx, in)
	case DecisionReuse:
		return applyReuse(tx, in)
	case DecisionClone:
		return applyClone(tx, in)
	}
	return nil, fmt.Errorf("unknown decision kind %q", in.Decision.Kind)
}

func applyFresh(tx *gorm.DB, in PersistInput) (*PersistResult, error) {
	// 旧简历（瞬态失败后的重试）软停用，保持同哈希至多一条活跃记录。
	if prior := in.Decision.Resume; prior != nil {
		if err := tx.Model(&database.Resume{}).
			Where("id = ?", prior.ID).
			Updates(map[string]any{"is_active": false, "is_latest": false}).Error; err != nil {
			return nil, fmt.Errorf("deactivate prior resume: %w", err)
		}
	}

	resume := database.Resume{
		CompanyID:        in.CompanyID,
		FileURL:          in.FileURL,
		OriginalFileName: in.FileName,
		FileHash:         in.FileHash,
		Status:           database.ResumePending,
		IsLatest:         true,
		IsActive:         true,
	}
	if err := tx.Create(&resume).Error; err != nil {
		return nil, fmt.Errorf("create resume: %w", err)
	}

	app := database.ResumeApplication{
		CompanyID:      in.CompanyID,
		ResumeID:       resume.ID,
		JobID:          in.JobID,
		CampaignID:     in.CampaignID,
		QueueJobID:     in.QueueJobID,
		Status:         database.ApplicationPending,
		ProcessingMode: database.ModeParse,
		IsActive:       true,
	}
	if err := tx.Create(&app).Error; err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	return &PersistResult{Resume: &resume, Application: &app, NeedsQueue: true}, nil
}

func applyReuse(tx *gorm.DB, in PersistInput) (*PersistResult, error) {
	resume := in.Decision.Resume
	if err := bumpReuse(tx, resume.ID, in.Now); err != nil {
		return nil, err
	}

	app := database.ResumeApplication{
		CompanyID:      in.CompanyID,
		ResumeID:       resume.ID,
		JobID:          in.JobID,
		CampaignID:     in.CampaignID,
		CandidateID:    resume.CandidateID,
		QueueJobID:     in.QueueJobID,
		Status:         database.ApplicationPending,
		ProcessingMode: database.ModeScore,
		IsActive:       true,
	}
	if err := tx.Create(&app).Error; err != nil {
		return nil, fmt.Errorf("create reuse application: %w", err)
	}

	return &PersistResult{Resume: resume, Application: &app, NeedsQueue: true}, nil
}

func applyClone(tx *gorm.DB, in PersistInput) (*PersistResult, error) {
	resume := in.Decision.Resume
	source := in.Decision.Source
	if err := bumpReuse(tx, resume.ID, in.Now); err != nil {
		return nil, err
	}

	now := in.Now
	app := database.ResumeApplication{
		CompanyID:      in.CompanyID,
		ResumeID:       resume.ID,
		JobID:          in.JobID,
		CampaignID:     in.CampaignID,
		CandidateID:    resume.CandidateID,
		QueueJobID:     in.QueueJobID,
		ProcessingMode: database.ModeClone,
		ProcessedAt:    &now,
		IsActive:       true,
	}

	if source != nil {
		app.Status = source.Status
		app.ErrorType = source.ErrorType
		app.TotalScore = source.TotalScore
		app.AdjustedScore = source.AdjustedScore
		app.MatchSkills = source.MatchSkills
		app.MissingSkills = source.MissingSkills
		app.CandidateID = source.CandidateID
		app.ClonedFromApplicationID = &source.ID
	} else {
		// 简历本身处于终态缺陷且没有可复制的投递：直接落为技术性失败。
		app.Status = database.ApplicationFailed
		app.ErrorType = database.ErrorTypeTechnical
	}

	if err := tx.Create(&app).Error; err != nil {
		return nil, fmt.Errorf("create clone application: %w", err)
	}

	if source != nil && source.Status == database.ApplicationReviewed {
		if err := copyScoreDetails(tx, source.ID, app.ID); err != nil {
			return nil, err
		}
	}

	return &PersistResult{Resume: resume, Application: &app, NeedsQueue: false}, nil
}

func bumpReuse(tx *gorm.DB, resumeID uint, now time.Time) error {
	err := tx.Model(&database.Resume{}).
		Where("id = ?", resumeID).
		Updates(map[string]any{
			"reuse_count":    gorm.Expr("reuse_count + 1"),
			"last_reused_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("bump reuse counters: %w", err)
	}
	return nil
}

func copyScoreDetails(tx *gorm.DB, fromAppID, toAppID uint) error {
	var details []database.ScoreDetail
	if err := tx.Where("application_id = ?", fromAppID).Order("id").Find(&details).Error; err != nil {
		return fmt.Errorf("load source score details: %w", err)
	}
	for i := range details {
		clone := database.ScoreDetail{
			ApplicationID: toAppID,
			Criterion:     details[i].Criterion,
			Score:         details[i].Score,
			MaxScore:      details[i].MaxScore,
			Comment:       details[i].Comment,
		}
		if err := tx.Create(&clone).Error; err != nil {
			return fmt.Errorf("copy score detail: %w", err)
		}
	}
	return nil
}
