package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"talentgate/internal/database"
	"talentgate/internal/notify"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:worker%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(database.AutoMigrateModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func seedPendingApplication(t *testing.T, db *gorm.DB, companyID uint, createdAt time.Time, status database.ApplicationStatus) *database.ResumeApplication {
	t.Helper()
	resume := database.Resume{
		CompanyID:        companyID,
		OriginalFileName: "cv.pdf",
		FileHash:         uuid.NewString(),
		Status:           database.ResumePending,
		IsActive:         true,
		IsLatest:         true,
	}
	if err := db.Create(&resume).Error; err != nil {
		t.Fatalf("seed resume: %v", err)
	}
	app := database.ResumeApplication{
		CompanyID:  companyID,
		ResumeID:   resume.ID,
		JobID:      1,
		CampaignID: 1,
		QueueJobID: uuid.NewString(),
		Status:     status,
		IsActive:   true,
	}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("seed application: %v", err)
	}
	// gorm 不允许直接设置 CreatedAt 为过去时间，落库后改写。
	if err := db.Model(&database.ResumeApplication{}).Where("id = ?", app.ID).
		UpdateColumn("created_at", createdAt).Error; err != nil {
		t.Fatalf("backdate application: %v", err)
	}
	return &app
}

func TestSweep_MarksStalePendingAsTimedOut(t *testing.T) {
	db := newTestDB(t)
	notifier := &recordingNotifier{}
	h := NewSweepHandler(db, notifier, discardLogger(), 2*time.Minute)

	stale := seedPendingApplication(t, db, 1, time.Now().Add(-10*time.Minute), database.ApplicationPending)
	fresh := seedPendingApplication(t, db, 1, time.Now().Add(-30*time.Second), database.ApplicationPending)
	reviewed := seedPendingApplication(t, db, 1, time.Now().Add(-10*time.Minute), database.ApplicationReviewed)

	if err := h.ProcessTask(context.Background(), nil); err != nil {
		t.Fatalf("process: %v", err)
	}

	notifier.mu.Lock()
	eventCount := len(notifier.events)
	var event notify.Event
	if eventCount > 0 {
		event = notifier.events[0]
	}
	notifier.mu.Unlock()
	if eventCount != 1 {
		t.Fatalf("events = %d, want 1 timeout notification", eventCount)
	}
	if event.Type != notify.EventResumeTimeout || event.CompanyID != 1 {
		t.Fatalf("event = %+v, want resume_timeout for company 1", event)
	}

	var staleApp database.ResumeApplication
	if err := db.First(&staleApp, stale.ID).Error; err != nil {
		t.Fatalf("reload stale: %v", err)
	}
	if staleApp.Status != database.ApplicationFailed || staleApp.ErrorType != database.ErrorTypeTechnical {
		t.Fatalf("stale application = %s/%s, want Failed/TechnicalError", staleApp.Status, staleApp.ErrorType)
	}
	if staleApp.ProcessedAt == nil {
		t.Fatalf("swept application must carry a processed timestamp")
	}

	var staleResume database.Resume
	if err := db.First(&staleResume, stale.ResumeID).Error; err != nil {
		t.Fatalf("reload stale resume: %v", err)
	}
	if staleResume.Status != database.ResumeTimeout {
		t.Fatalf("stale resume status = %s, want Timeout", staleResume.Status)
	}

	var freshApp database.ResumeApplication
	if err := db.First(&freshApp, fresh.ID).Error; err != nil {
		t.Fatalf("reload fresh: %v", err)
	}
	if freshApp.Status != database.ApplicationPending {
		t.Fatalf("fresh pending application must be left alone")
	}

	var reviewedApp database.ResumeApplication
	if err := db.First(&reviewedApp, reviewed.ID).Error; err != nil {
		t.Fatalf("reload reviewed: %v", err)
	}
	if reviewedApp.Status != database.ApplicationReviewed {
		t.Fatalf("reviewed application must be left alone")
	}
}

func TestSweep_NoStaleRecordsIsANoop(t *testing.T) {
	db := newTestDB(t)
	h := NewSweepHandler(db, nil, discardLogger(), time.Minute)

	seedPendingApplication(t, db, 1, time.Now(), database.ApplicationPending)

	if err := h.ProcessTask(context.Background(), nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	var count int64
	db.Model(&database.ResumeApplication{}).Where("status = ?", database.ApplicationPending).Count(&count)
	if count != 1 {
		t.Fatalf("pending = %d, want untouched 1", count)
	}
}
