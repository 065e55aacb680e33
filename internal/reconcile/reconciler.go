package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"talentgate/internal/database"
	"talentgate/internal/errcode"
	"talentgate/internal/notify"
)

// AI worker 回调携带的错误码。
const (
	ErrCodeInvalidResumeData  = "invalid_resume_data"
	ErrCodeInvalidJobData     = "invalid_job_data"
	ErrCodeJobTitleNotMatched = "job_title_not_matched"
)

var (
	// ErrUnknownQueueJob 表示回调携带的 queueJobId 不存在（过期或重复回调）。
	ErrUnknownQueueJob = errors.New("unknown queue job id")
	// ErrInvalidScorePayload 表示成功回调缺少 totalScore 或 scoreDetails。
	ErrInvalidScorePayload = errors.New("callback missing score fields")

	// errAlreadyTerminal 表示事务内的条件更新发现投递已到终态：
	// 并发回调输掉了竞争，本次写入整体回滚。
	errAlreadyTerminal = errors.New("application already terminal")
)

// ScoreDetailPayload 是回调中的单条评分标准。
type ScoreDetailPayload struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"maxScore"`
	Comment   string  `json:"comment,omitempty"`
}

// CandidateInfo 是 worker 解析出的候选人身份字段。
type CandidateInfo struct {
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Callback 是外部 AI worker 的回调载荷。
// 定位记录只认 queueJobId；resumeId/applicationId 仅作日志参考。
type Callback struct {
	QueueJobID       string               `json:"queueJobId"`
	ResumeID         uint                 `json:"resumeId"`
	ApplicationID    *uint                `json:"applicationId,omitempty"`
	TotalResumeScore *float64             `json:"totalResumeScore,omitempty"`
	ScoreDetails     []ScoreDetailPayload `json:"scoreDetails,omitempty"`
	CandidateInfo    *CandidateInfo       `json:"candidateInfo,omitempty"`
	RequiredSkills   []string             `json:"requiredSkills,omitempty"`
	RawJSON          json.RawMessage      `json:"rawJson,omitempty"`
	Error            string               `json:"error,omitempty"`
	Reason           string               `json:"reason,omitempty"`
}

// Outcome 描述一次对账的落点。
type Outcome struct {
	Resume      *database.Resume
	Application *database.ResumeApplication
	// AlreadyApplied 表示该 queueJobId 早已到达终态，本次回调被幂等接受。
	AlreadyApplied bool
}

// Notifier 抽象通知发布能力。
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Reconciler 把异步打分结果对账回 Resume/ResumeApplication。
type Reconciler struct {
	db       *gorm.DB
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler 构造对账器。
func NewReconciler(db *gorm.DB, notifier Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:       db,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply 处理一次回调。任何中途 panic 都会被兜住并把简历降级为 Failed，
// 绝不让记录因处理崩溃而永远卡在 Pending（外部超时清扫是最后防线）。
func (r *Reconciler) Apply(ctx context.Context, cb Callback) (outcome *Outcome, err error) {
	log := r.logger.With(slog.String("queue_job_id", cb.QueueJobID))

	var app database.ResumeApplication
	lookupErr := r.db.WithContext(ctx).
		Where("queue_job_id = ?", cb.QueueJobID).
		First(&app).Error
	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		log.Warn("callback for unknown queue job, ignoring")
		return nil, ErrUnknownQueueJob
	}
	if lookupErr != nil {
		return nil, fmt.Errorf("lookup application: %w", lookupErr)
	}

	var resume database.Resume
	if err := r.db.WithContext(ctx).First(&resume, app.ResumeID).Error; err != nil {
		return nil, fmt.Errorf("load resume %d: %w", app.ResumeID, err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("reconciliation panicked, degrading resume to failed", slog.Any("panic", rec))
			r.degradeResume(resume.ID)
			outcome = nil
			err = fmt.Errorf("reconciliation panic: %v", rec)
		}
	}()

	// 幂等快速路径：终态后的重复回调原样接受，不再改写任何状态
	// （配额在摄取时已占用，对账阶段不碰）。真正的防线在事务内：
	// 每条投递更新都带 status=Pending 条件，并发回调最多一个生效。
	if app.Status.IsTerminal() {
		log.Info("duplicate callback for terminal application, accepted without mutation")
		return &Outcome{Resume: &resume, Application: &app, AlreadyApplied: true}, nil
	}

	if cb.Error != "" {
		return r.applyError(ctx, log, &resume, &app, cb)
	}

	if cb.TotalResumeScore == nil || len(cb.ScoreDetails) == 0 {
		// 打分字段缺失只记在投递上，不碰简历。
		if err := r.failApplication(ctx, &app, database.ErrorTypeTechnical); err != nil {
			if errors.Is(err, errAlreadyTerminal) {
				return r.acceptLostRace(ctx, log, app.ID)
			}
			return nil, err
		}
		log.Warn("callback missing score fields, application failed")
		return &Outcome{Resume: &resume, Application: &app}, ErrInvalidScorePayload
	}

	return r.applySuccess(ctx, log, &resume, &app, cb)
}

// acceptLostRace 处理条件更新落空的并发回调：重读当前终态并幂等接受。
func (r *Reconciler) acceptLostRace(ctx context.Context, log *slog.Logger, appID uint) (*Outcome, error) {
	var app database.ResumeApplication
	if err := r.db.WithContext(ctx).First(&app, appID).Error; err != nil {
		return nil, fmt.Errorf("reload application %d: %w", appID, err)
	}
	var resume database.Resume
	if err := r.db.WithContext(ctx).First(&resume, app.ResumeID).Error; err != nil {
		return nil, fmt.Errorf("reload resume %d: %w", app.ResumeID, err)
	}
	log.Info("concurrent callback lost the race, accepted without mutation")
	return &Outcome{Resume: &resume, Application: &app, AlreadyApplied: true}, nil
}

// applyError 按错误码把简历与投递推到终态，不重试。
func (r *Reconciler) applyError(ctx context.Context, log *slog.Logger, resume *database.Resume, app *database.ResumeApplication, cb Callback) (*Outcome, error) {
	resumeStatus, clearParsed, errType := mapErrorOutcome(cb.Error, resume)

	now := r.now()
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先以条件更新占住投递：status 已离开 Pending 说明并发回调
		// 抢先落地，整个事务回滚，什么都不写。
		elapsed := now.Sub(app.CreatedAt).Milliseconds()
		appUpdates := map[string]any{
			"status":             database.ApplicationFailed,
			"error_type":         errType,
			"processed_at":       now,
			"processing_time_ms": elapsed,
		}
		res := tx.Model(&database.ResumeApplication{}).
			Where("id = ? AND status = ?", app.ID, database.ApplicationPending).
			Updates(appUpdates)
		if res.Error != nil {
			return fmt.Errorf("update application: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyTerminal
		}

		resumeUpdates := map[string]any{"status": resumeStatus}
		if clearParsed {
			resumeUpdates["parsed_data"] = nil
		}
		if err := tx.Model(&database.Resume{}).Where("id = ?", resume.ID).Updates(resumeUpdates).Error; err != nil {
			return fmt.Errorf("update resume: %w", err)
		}
		return nil
	})
	if errors.Is(txErr, errAlreadyTerminal) {
		return r.acceptLostRace(ctx, log, app.ID)
	}
	if txErr != nil {
		r.degradeResume(resume.ID)
		return nil, txErr
	}

	resume.Status = resumeStatus
	if clearParsed {
		resume.ParsedData = nil
	}
	app.Status = database.ApplicationFailed
	app.ErrorType = errType
	app.ProcessedAt = &now

	r.emit(resume, app, notify.EventResumeFailed, errcode.ScoringFailed, cb.Reason)
	log.Info("scoring error reconciled",
		slog.String("error", cb.Error),
		slog.String("resume_status", string(resumeStatus)),
	)
	return &Outcome{Resume: resume, Application: app}, nil
}

// applySuccess 在一个事务里完成候选人归并、简历完成与投递评阅。
func (r *Reconciler) applySuccess(ctx context.Context, log *slog.Logger, resume *database.Resume, app *database.ResumeApplication, cb Callback) (*Outcome, error) {
	identity := cb.identity()
	matchSkills, missingSkills := matchRequiredSkills(cb.RequiredSkills, cb.RawJSON)

	now := r.now()
	var candidate *database.Candidate
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		candidate, err = resolveCandidate(tx, resume.CompanyID, identity)
		if err != nil {
			return err
		}

		// 条件更新占住投递；落空说明并发回调抢先，整个事务
		// （含候选人归并与简历更新）回滚，评分明细绝不会写两份。
		elapsed := now.Sub(app.CreatedAt).Milliseconds()
		appUpdates := map[string]any{
			"status":             database.ApplicationReviewed,
			"total_score":        *cb.TotalResumeScore,
			"processed_at":       now,
			"processing_time_ms": elapsed,
		}
		if matchSkills != nil {
			appUpdates["match_skills"] = matchSkills
		}
		if missingSkills != nil {
			appUpdates["missing_skills"] = missingSkills
		}
		if candidate != nil {
			appUpdates["candidate_id"] = candidate.ID
		}
		res := tx.Model(&database.ResumeApplication{}).
			Where("id = ? AND status = ?", app.ID, database.ApplicationPending).
			Updates(appUpdates)
		if res.Error != nil {
			return fmt.Errorf("update application: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errAlreadyTerminal
		}

		resumeUpdates := map[string]any{"status": database.ResumeCompleted}
		if len(cb.RawJSON) > 0 {
			resumeUpdates["parsed_data"] = datatypes.JSON(cb.RawJSON)
		}
		if candidate != nil {
			resumeUpdates["candidate_id"] = candidate.ID
		}
		if err := tx.Model(&database.Resume{}).Where("id = ?", resume.ID).Updates(resumeUpdates).Error; err != nil {
			return fmt.Errorf("update resume: %w", err)
		}

		for _, d := range cb.ScoreDetails {
			detail := database.ScoreDetail{
				ApplicationID: app.ID,
				Criterion:     d.Criterion,
				Score:         d.Score,
				MaxScore:      d.MaxScore,
				Comment:       d.Comment,
			}
			if err := tx.Create(&detail).Error; err != nil {
				return fmt.Errorf("create score detail: %w", err)
			}
		}
		return nil
	})
	if errors.Is(txErr, errAlreadyTerminal) {
		return r.acceptLostRace(ctx, log, app.ID)
	}
	if txErr != nil {
		r.degradeResume(resume.ID)
		return nil, txErr
	}

	resume.Status = database.ResumeCompleted
	if len(cb.RawJSON) > 0 {
		resume.ParsedData = datatypes.JSON(cb.RawJSON)
	}
	app.Status = database.ApplicationReviewed
	app.TotalScore = cb.TotalResumeScore
	app.ProcessedAt = &now
	if candidate != nil {
		resume.CandidateID = &candidate.ID
		app.CandidateID = &candidate.ID
	}

	r.emit(resume, app, notify.EventResumeScored, errcode.OK, "")
	log.Info("scoring result reconciled",
		slog.Float64("total_score", *cb.TotalResumeScore),
		slog.Int("score_details", len(cb.ScoreDetails)),
	)
	return &Outcome{Resume: resume, Application: app}, nil
}

func (r *Reconciler) failApplication(ctx context.Context, app *database.ResumeApplication, errType database.ApplicationErrorType) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&database.ResumeApplication{}).
		Where("id = ? AND status = ?", app.ID, database.ApplicationPending).
		Updates(map[string]any{
			"status":       database.ApplicationFailed,
			"error_type":   errType,
			"processed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail application: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errAlreadyTerminal
	}
	app.Status = database.ApplicationFailed
	app.ErrorType = errType
	app.ProcessedAt = &now
	return nil
}

// degradeResume 是兜底动作：对账中途出错时尽力把简历标记为 Failed。
func (r *Reconciler) degradeResume(resumeID uint) {
	err := r.db.Model(&database.Resume{}).
		Where("id = ? AND status = ?", resumeID, database.ResumePending).
		Update("status", database.ResumeFailed).Error
	if err != nil {
		r.logger.Error("degrade resume to failed", slog.Uint64("resume_id", uint64(resumeID)), slog.Any("error", err))
	}
}

func (r *Reconciler) emit(resume *database.Resume, app *database.ResumeApplication, eventType string, code int, message string) {
	if r.notifier == nil {
		return
	}
	ev := notify.Event{
		Type:          eventType,
		CompanyID:     resume.CompanyID,
		ResumeID:      resume.ID,
		ApplicationID: app.ID,
		Status:        string(app.Status),
		ErrorCode:     code,
		ErrorMessage:  message,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.notifier.Publish(ctx, ev); err != nil {
		r.logger.Error("publish reconcile notification failed", slog.Any("error", err))
	}
}

// mapErrorOutcome 把回调错误码映射为简历/投递终态。
// invalid_job_data 与 job_title_not_matched 属于岗位语义失败：
// 文档本身可能已解析成功，解析成果保留（Completed）。
func mapErrorOutcome(code string, resume *database.Resume) (database.ResumeStatus, bool, database.ApplicationErrorType) {
	previouslyParsed := len(resume.ParsedData) > 0
	switch strings.TrimSpace(code) {
	case ErrCodeInvalidResumeData:
		return database.ResumeInvalidResumeData, true, database.ErrorTypeTechnical
	case ErrCodeInvalidJobData:
		if previouslyParsed {
			return database.ResumeCompleted, false, database.ErrorTypeInvalidJobData
		}
		return database.ResumeFailed, false, database.ErrorTypeInvalidJobData
	case ErrCodeJobTitleNotMatched:
		if previouslyParsed {
			return database.ResumeCompleted, false, database.ErrorTypeJobTitleNotMatched
		}
		return database.ResumeFailed, false, database.ErrorTypeJobTitleNotMatched
	default:
		return database.ResumeFailed, true, database.ErrorTypeTechnical
	}
}
