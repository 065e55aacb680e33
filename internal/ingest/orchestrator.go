package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"talentgate/internal/database"
	"talentgate/internal/errcode"
	"talentgate/internal/metrics"
	"talentgate/internal/notify"
	"talentgate/internal/tasks"
)

// QueueClient 抽象 asynq 客户端，测试用假实现替换。
type QueueClient interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier 抽象通知发布能力。
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// UploadOutcome 是单个文件的摄取结局。
type UploadOutcome string

const (
	OutcomeFresh         UploadOutcome = "fresh"
	OutcomeReuse         UploadOutcome = "reuse"
	OutcomeClone         UploadOutcome = "clone"
	OutcomeDuplicate     UploadOutcome = "duplicate"
	OutcomeQuotaExceeded UploadOutcome = "quota_exceeded"
	OutcomeFailed        UploadOutcome = "failed"
)

// Target 是一次上传（单文件或整批）共享的目标：租户、活动、岗位。
// 活动与岗位在进入编排器之前已按整批校验过一次。
type Target struct {
	CompanyID     uint
	Campaign      *database.Campaign
	Job           *database.Job
	CorrelationID string
}

// FileUpload 是一个待摄取的文件。
type FileUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// UploadResult 是单个文件的摄取结果；批量模式下逐文件上报，互不影响。
type UploadResult struct {
	FileName      string                     `json:"file_name"`
	Outcome       UploadOutcome              `json:"outcome"`
	ResumeID      uint                       `json:"resume_id,omitempty"`
	ApplicationID uint                       `json:"application_id,omitempty"`
	QueueJobID    string                     `json:"queue_job_id,omitempty"`
	Status        database.ApplicationStatus `json:"status,omitempty"`
	ErrorCode     int                        `json:"error_code"`
	ErrorMessage  string                     `json:"error_message,omitempty"`

	err error
}

// Err 返回底层错误，仅供调用方做 errors.Is 判断。
func (r *UploadResult) Err() error { return r.err }

// Orchestrator 串起一个文件的完整摄取链路：
// 哈希 → 去重 → （按需）上传 → 事务内配额+落库 → 异步入队与通知。
type Orchestrator struct {
	db         *gorm.DB
	admission  *AdmissionController
	uploader   *Uploader
	dispatcher *Dispatcher
	queue      QueueClient
	notifier   Notifier
	scoreQueue string
	logger     *slog.Logger

	// hashLocks 串行化同租户同内容的并发摄取，保证去重判定
	// 总能看到先行者的提交结果。
	hashLocks *hashLock

	// now 可注入，测试里固定时钟。
	now func() time.Time
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(
	db *gorm.DB,
	admission *AdmissionController,
	uploader *Uploader,
	dispatcher *Dispatcher,
	queue QueueClient,
	notifier Notifier,
	scoreQueue string,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:         db,
		admission:  admission,
		uploader:   uploader,
		dispatcher: dispatcher,
		queue:      queue,
		notifier:   notifier,
		scoreQueue: scoreQueue,
		logger:     logger,
		hashLocks:  newHashLock(),
		now:        time.Now,
	}
}

// UploadOne 摄取单个文件。哈希在取得准入槽位之前算好（纯本地计算），
// 之后从去重决策到事务提交都在槽位内执行。
// 同租户同内容的并发上传按哈希串行化：去重判定到事务提交之间存在窗口，
// 相同字节若并行穿过该窗口，会各自判为 fresh 并留下多条活跃简历。
func (o *Orchestrator) UploadOne(ctx context.Context, target Target, file FileUpload) *UploadResult {
	log := o.logger.With(
		slog.String("correlation_id", target.CorrelationID),
		slog.Uint64("company_id", uint64(target.CompanyID)),
		slog.String("file_name", file.FileName),
	)

	fileHash := ContentHash(file.Data)

	release, err := o.admission.Acquire(ctx, target.CompanyID)
	if err != nil {
		return o.failed(file.FileName, fmt.Errorf("acquire admission slot: %w", err))
	}
	defer release()

	unlock := o.hashLocks.lock(target.CompanyID, fileHash)
	defer unlock()

	result, conflicted := o.ingestLocked(ctx, log, target, file, fileHash)
	if conflicted {
		// 另一进程抢先提交了同哈希的活跃简历（数据库唯一索引兜底）；
		// 此时重新判定必然命中 duplicate/reuse/clone 分支。
		log.Warn("concurrent ingest of identical content detected, re-resolving")
		result, _ = o.ingestLocked(ctx, log, target, file, fileHash)
	}
	return result
}

// ingestLocked 在哈希锁内执行 去重 → 上传 → 事务 → 异步派发。
// 返回的 conflicted 表示 fresh 写入撞上了活跃简历唯一索引，需要重新判定。
func (o *Orchestrator) ingestLocked(ctx context.Context, log *slog.Logger, target Target, file FileUpload, fileHash string) (result *UploadResult, conflicted bool) {
	decision, err := ResolveDedup(ctx, o.db, target.CompanyID, fileHash, target.Job.ID, target.Campaign.ID)
	if errors.Is(err, ErrDuplicateApplication) {
		metrics.ObserveUpload(string(OutcomeDuplicate))
		return &UploadResult{
			FileName:     file.FileName,
			Outcome:      OutcomeDuplicate,
			ErrorCode:    errcode.DuplicateApplication,
			ErrorMessage: "resume already applied to this job in this campaign",
			err:          err,
		}, false
	}
	if err != nil {
		return o.failed(file.FileName, err), false
	}

	// 只有 fresh 需要真正上传；reuse/clone 复用既有对象。
	fileURL := ""
	uploaded := false
	switch decision.Kind {
	case DecisionFresh:
		fileURL = objectKeyFor(target.CompanyID, file.FileName)
		if err := o.uploader.Upload(ctx, fileURL, file.Data, file.ContentType); err != nil {
			log.Error("blob upload failed terminally", slog.Any("error", err))
			return o.failed(file.FileName, err), false
		}
		uploaded = true
	case DecisionReuse, DecisionClone:
		fileURL = decision.Resume.FileURL
	}

	queueJobID := uuid.NewString()
	var persisted *PersistResult
	txErr := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 克隆不消耗配额：这份工作已经付过费。
		if decision.Kind != DecisionClone {
			if err := ReserveQuota(tx, target.CompanyID); err != nil {
				return err
			}
		}
		var err error
		persisted, err = ApplyDecision(tx, PersistInput{
			CompanyID:  target.CompanyID,
			JobID:      target.Job.ID,
			CampaignID: target.Campaign.ID,
			Decision:   decision,
			QueueJobID: queueJobID,
			FileURL:    fileURL,
			FileName:   file.FileName,
			FileHash:   fileHash,
			Now:        o.now(),
		})
		return err
	})
	if txErr != nil {
		if uploaded {
			o.cleanupBlob(fileURL)
		}
		if errors.Is(txErr, ErrQuotaExceeded) {
			metrics.ObserveUpload(string(OutcomeQuotaExceeded))
			return &UploadResult{
				FileName:     file.FileName,
				Outcome:      OutcomeQuotaExceeded,
				ErrorCode:    errcode.QuotaExceeded,
				ErrorMessage: "resume quota exceeded",
				err:          txErr,
			}, false
		}
		if decision.Kind == DecisionFresh && errors.Is(txErr, gorm.ErrDuplicatedKey) {
			return nil, true
		}
		log.Error("persist upload failed", slog.Any("error", txErr))
		return o.failed(file.FileName, txErr), false
	}

	if persisted.NeedsQueue {
		o.enqueueScoring(target, decision, persisted)
	}
	o.emitAccepted(target, file.FileName, persisted)

	outcome := UploadOutcome(decision.Kind)
	metrics.ObserveUpload(string(outcome))
	log.Info("resume ingested",
		slog.String("outcome", string(outcome)),
		slog.Uint64("resume_id", uint64(persisted.Resume.ID)),
		slog.Uint64("application_id", uint64(persisted.Application.ID)),
		slog.String("queue_job_id", queueJobID),
	)

	return &UploadResult{
		FileName:      file.FileName,
		Outcome:       outcome,
		ResumeID:      persisted.Resume.ID,
		ApplicationID: persisted.Application.ID,
		QueueJobID:    queueJobID,
		Status:        persisted.Application.Status,
		ErrorCode:     errcode.OK,
	}, false
}

// UploadBatch 并发摄取一批文件。单文件的失败（含 panic）不影响兄弟文件，
// 真实并发度由准入闸门压到租户上限。
func (o *Orchestrator) UploadBatch(ctx context.Context, target Target, files []FileUpload) []UploadResult {
	results := make([]UploadResult, len(files))
	var wg sync.WaitGroup
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("upload orchestration panicked",
						slog.String("file_name", files[i].FileName),
						slog.Any("panic", r),
					)
					results[i] = *o.failed(files[i].FileName, fmt.Errorf("orchestration panic: %v", r))
				}
			}()
			results[i] = *o.UploadOne(ctx, target, files[i])
		}(i)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) enqueueScoring(target Target, decision *Decision, persisted *PersistResult) {
	payload := tasks.ResumeScorePayload{
		QueueJobID:      persisted.Application.QueueJobID,
		ResumeID:        persisted.Resume.ID,
		ApplicationID:   persisted.Application.ID,
		CompanyID:       target.CompanyID,
		JobID:           target.Job.ID,
		CampaignID:      target.Campaign.ID,
		JobTitle:        target.Job.Title,
		Skills:          target.Job.Skills,
		Criteria:        target.Job.Criteria,
		EmploymentTypes: target.Job.EmploymentTypes,
		FileURL:         persisted.Resume.FileURL,
		ProcessingMode:  string(persisted.Application.ProcessingMode),
		CorrelationID:   target.CorrelationID,
	}
	if decision.Kind == DecisionReuse {
		payload.ParsedData = decision.Resume.ParsedData
	}

	queueName := o.scoreQueue
	o.dispatcher.Submit("queue_push", func(ctx context.Context) error {
		task, err := tasks.NewResumeScoreTask(payload)
		if err != nil {
			return fmt.Errorf("build score task: %w", err)
		}
		// 投递失败只记日志：记录停留在 Pending，由超时清扫兜底。
		if _, err := o.queue.Enqueue(task, asynq.Queue(queueName), asynq.MaxRetry(5)); err != nil {
			return fmt.Errorf("enqueue score task: %w", err)
		}
		return nil
	})
}

func (o *Orchestrator) emitAccepted(target Target, fileName string, persisted *PersistResult) {
	ev := notify.Event{
		Type:          notify.EventResumeAccepted,
		CompanyID:     target.CompanyID,
		ResumeID:      persisted.Resume.ID,
		ApplicationID: persisted.Application.ID,
		FileName:      fileName,
		Status:        string(persisted.Application.Status),
		ErrorCode:     errcode.OK,
		CorrelationID: target.CorrelationID,
	}
	o.dispatcher.Submit("notify", func(ctx context.Context) error {
		return o.notifier.Publish(ctx, ev)
	})
}

func (o *Orchestrator) cleanupBlob(objectKey string) {
	o.dispatcher.Submit("blob_cleanup", func(ctx context.Context) error {
		return o.uploader.Delete(ctx, objectKey)
	})
}

func (o *Orchestrator) failed(fileName string, err error) *UploadResult {
	metrics.ObserveUpload(string(OutcomeFailed))
	return &UploadResult{
		FileName:     fileName,
		Outcome:      OutcomeFailed,
		ErrorCode:    errcode.SystemError,
		ErrorMessage: err.Error(),
		err:          err,
	}
}

func objectKeyFor(companyID uint, fileName string) string {
	ext := filepath.Ext(fileName)
	return fmt.Sprintf("resumes/%d/%s%s", companyID, uuid.NewString(), ext)
}
