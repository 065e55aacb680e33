package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"talentgate/internal/database"
	"talentgate/internal/notify"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ingest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// 单连接串行化，避免内存库的并发写锁冲突。
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(database.AutoMigrateModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedCompany(t *testing.T, db *gorm.DB, quotaLimit int) *database.Company {
	t.Helper()
	company := database.Company{Name: "acme", ResumeQuotaLimit: quotaLimit}
	if err := db.Create(&company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	return &company
}

func seedCampaignAndJobs(t *testing.T, db *gorm.DB, companyID uint, jobCount int) (*database.Campaign, []database.Job) {
	t.Helper()
	campaign := database.Campaign{CompanyID: companyID, Name: "spring hiring", Status: database.CampaignPublished}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	jobs := make([]database.Job, jobCount)
	for i := range jobs {
		jobs[i] = database.Job{
			CompanyID:  companyID,
			CampaignID: campaign.ID,
			Title:      fmt.Sprintf("engineer-%d", i),
		}
		if err := db.Create(&jobs[i]).Error; err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	return &campaign, jobs
}

type fakeBlobStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	deleted  []string
	failures int
	// delay 模拟对象存储的网络耗时，拉开去重判定与事务提交之间的窗口。
	delay time.Duration
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{uploaded: map[string][]byte{}}
}

func (s *fakeBlobStore) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (*minio.UploadInfo, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("transient storage error")
	}
	b, _ := io.ReadAll(reader)
	s.uploaded[objectName] = b
	return &minio.UploadInfo{Key: objectName}, nil
}

func (s *fakeBlobStore) DeleteObject(_ context.Context, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, objectKey)
	delete(s.uploaded, objectKey)
	return nil
}

func (s *fakeBlobStore) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploaded)
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func (q *fakeQueue) taskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}
