package ingest

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"talentgate/internal/database"
)

// ErrDuplicateApplication 表示同一文档已投递过同一 (岗位, 活动) 且结果仍然有效。
var ErrDuplicateApplication = errors.New("duplicate application for this job and campaign")

// DecisionKind 是去重决策的三种走向。
type DecisionKind string

const (
	// DecisionFresh 走完整解析：新 Resume + 新投递，消耗配额并入队。
	DecisionFresh DecisionKind = "fresh"
	// DecisionReuse 跳过解析只重新打分：复用已解析的 Resume，消耗配额并入队。
	DecisionReuse DecisionKind = "reuse"
	// DecisionClone 原样复制既有结果：不消耗配额，不入队。
	DecisionClone DecisionKind = "clone"
)

// Decision 是去重解析器的输出。
// Resume 为 nil 时表示租户内从未见过该哈希；Source 仅在克隆时设置，
// 指向被复制的那次投递。
type Decision struct {
	Kind   DecisionKind
	Resume *database.Resume
	Source *database.ResumeApplication
}

// ResolveDedup 按内容哈希决定 fresh / reuse / clone 三者之一。
//
// 判定顺序（先命中先生效）：
//  1. 无既有简历 → fresh
//  2. 同 (岗位, 活动) 已有有效投递 → ErrDuplicateApplication
//  3. 最近一次投递 Reviewed → clone（原样复制打分）
//  4. 最近一次投递因岗位语义失败 → clone（原样复制失败，重跑必然复现）
//  5. 简历已解析完成 → reuse（只重新打分）
//  6. 简历处于文档级终态缺陷 → clone（终态缺陷不重试）
//  7. 简历处于瞬态失败 → fresh（视为无可用结果，重新解析）
//  8. 其余情况 → fresh
func ResolveDedup(ctx context.Context, db *gorm.DB, companyID uint, fileHash string, jobID, campaignID uint) (*Decision, error) {
	var existing database.Resume
	err := db.WithContext(ctx).
		Where("company_id = ? AND file_hash = ? AND is_active = ?", companyID, fileHash, true).
		Order("created_at DESC").
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Decision{Kind: DecisionFresh}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup resume by hash: %w", err)
	}

	sameTarget, err := latestApplication(ctx, db, existing.ID, &jobID, &campaignID)
	if err != nil {
		return nil, err
	}
	if sameTarget != nil && !isRetryable(sameTarget) {
		return nil, ErrDuplicateApplication
	}

	latest, err := latestApplication(ctx, db, existing.ID, nil, nil)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		switch {
		case latest.Status == database.ApplicationReviewed:
			return &Decision{Kind: DecisionClone, Resume: &existing, Source: latest}, nil
		case latest.Status == database.ApplicationFailed && latest.ErrorType.IsJobSemantic():
			return &Decision{Kind: DecisionClone, Resume: &existing, Source: latest}, nil
		}
	}

	switch {
	case existing.Status == database.ResumeCompleted && len(existing.ParsedData) > 0:
		return &Decision{Kind: DecisionReuse, Resume: &existing}, nil
	case existing.Status.IsTerminalDefect():
		return &Decision{Kind: DecisionClone, Resume: &existing, Source: latest}, nil
	case existing.Status.IsTransientFailure():
		return &Decision{Kind: DecisionFresh, Resume: &existing}, nil
	}

	return &Decision{Kind: DecisionFresh, Resume: &existing}, nil
}

// isRetryable 判断既有投递是否允许对同一目标重试。
// 仅技术性失败可重试；Pending/Reviewed 与岗位语义失败均视为重复。
func isRetryable(app *database.ResumeApplication) bool {
	return app.Status == database.ApplicationFailed && !app.ErrorType.IsJobSemantic()
}

func latestApplication(ctx context.Context, db *gorm.DB, resumeID uint, jobID, campaignID *uint) (*database.ResumeApplication, error) {
	query := db.WithContext(ctx).
		Where("resume_id = ? AND is_active = ?", resumeID, true)
	if jobID != nil {
		query = query.Where("job_id = ?", *jobID)
	}
	if campaignID != nil {
		query = query.Where("campaign_id = ?", *campaignID)
	}

	var app database.ResumeApplication
	err := query.Order("created_at DESC").First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup latest application: %w", err)
	}
	return &app, nil
}
