package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"talentgate/internal/database"
	"talentgate/internal/errcode"
	"talentgate/internal/notify"
)

// Notifier 抽象通知发布能力。
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// SweepHandler 周期性清扫长时间停留在 Pending 的记录。
// AI 回调丢失（worker 崩溃、网络分区）时，这是让申请走到终态的兜底。
type SweepHandler struct {
	db         *gorm.DB
	notifier   Notifier
	logger     *slog.Logger
	pendingTTL time.Duration

	// now 可注入，测试里固定时钟。
	now func() time.Time
}

// NewSweepHandler 创建清扫处理器。
func NewSweepHandler(db *gorm.DB, notifier Notifier, logger *slog.Logger, pendingTTL time.Duration) *SweepHandler {
	if pendingTTL <= 0 {
		pendingTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepHandler{
		db:         db,
		notifier:   notifier,
		logger:     logger,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// ProcessTask 实现 asynq.Handler。
func (h *SweepHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	cutoff := h.now().Add(-h.pendingTTL)

	var stale []database.ResumeApplication
	err := h.db.WithContext(ctx).
		Preload("Resume").
		Where("status = ? AND created_at < ?", database.ApplicationPending, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("query stale applications: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	h.logger.Info("sweeping stale pending applications", slog.Int("count", len(stale)))

	for i := range stale {
		app := &stale[i]
		if err := h.sweepOne(ctx, app); err != nil {
			// 单条失败不阻塞其余清扫，下个周期会重试。
			h.logger.Error("sweep application failed",
				slog.Uint64("application_id", uint64(app.ID)),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

func (h *SweepHandler) sweepOne(ctx context.Context, app *database.ResumeApplication) error {
	processedAt := h.now()

	swept := false
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 条件更新：期间回调已落库的记录直接跳过。
		result := tx.Model(&database.ResumeApplication{}).
			Where("id = ? AND status = ?", app.ID, database.ApplicationPending).
			Updates(map[string]any{
				"status":       database.ApplicationFailed,
				"error_type":   database.ErrorTypeTechnical,
				"processed_at": processedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("mark application timed out: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		swept = true

		if err := tx.Model(&database.Resume{}).
			Where("id = ? AND status = ?", app.ResumeID, database.ResumePending).
			Update("status", database.ResumeTimeout).Error; err != nil {
			return fmt.Errorf("mark resume timed out: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}
	if !swept {
		return nil
	}

	if h.notifier != nil {
		fileName := ""
		if app.Resume != nil {
			fileName = app.Resume.OriginalFileName
		}
		_ = h.notifier.Publish(ctx, notify.Event{
			Type:          notify.EventResumeTimeout,
			CompanyID:     app.CompanyID,
			ResumeID:      app.ResumeID,
			ApplicationID: app.ID,
			FileName:      fileName,
			Status:        string(database.ApplicationFailed),
			ErrorCode:     errcode.ScoringFailed,
			ErrorMessage:  "scoring timed out",
		})
	}

	return nil
}
