package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"talentgate/internal/database"
	"talentgate/internal/notify"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile%d?mode=memory&cache=shared", testDBSeq.Add(1))
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

func (n *fakeNotifier) lastEvent(t *testing.T) notify.Event {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		t.Fatalf("no events published")
	}
	return n.events[len(n.events)-1]
}

type fixture struct {
	db       *gorm.DB
	notifier *fakeNotifier
	rec      *Reconciler
	company  *database.Company
	resume   *database.Resume
	app      *database.ResumeApplication
}

func newFixture(t *testing.T, resumeStatus database.ResumeStatus, parsed []byte) *fixture {
	t.Helper()
	db := newTestDB(t)
	notifier := &fakeNotifier{}
	rec := NewReconciler(db, notifier, nil)

	company := database.Company{Name: "acme", ResumeQuotaLimit: 10}
	if err := db.Create(&company).Error; err != nil {
		t.Fatalf("seed company: %v", err)
	}
	resume := database.Resume{
		CompanyID:        company.ID,
		OriginalFileName: "cv.pdf",
		FileHash:         "deadbeef",
		Status:           resumeStatus,
		ParsedData:       datatypes.JSON(parsed),
		IsLatest:         true,
		IsActive:         true,
	}
	if err := db.Create(&resume).Error; err != nil {
		t.Fatalf("seed resume: %v", err)
	}
	app := database.ResumeApplication{
		CompanyID:  company.ID,
		ResumeID:   resume.ID,
		JobID:      1,
		CampaignID: 1,
		QueueJobID: uuid.NewString(),
		Status:     database.ApplicationPending,
		IsActive:   true,
	}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("seed application: %v", err)
	}
	return &fixture{db: db, notifier: notifier, rec: rec, company: &company, resume: &resume, app: &app}
}

func (f *fixture) reloadApp(t *testing.T) *database.ResumeApplication {
	t.Helper()
	var app database.ResumeApplication
	if err := f.db.First(&app, f.app.ID).Error; err != nil {
		t.Fatalf("reload application: %v", err)
	}
	return &app
}

func (f *fixture) reloadResume(t *testing.T) *database.Resume {
	t.Helper()
	var resume database.Resume
	if err := f.db.First(&resume, f.resume.ID).Error; err != nil {
		t.Fatalf("reload resume: %v", err)
	}
	return &resume
}

func scoreOf(v float64) *float64 { return &v }

func TestApply_SuccessWritesEverything(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	cb := Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(82),
		ScoreDetails: []ScoreDetailPayload{
			{Criterion: "experience", Score: 40, MaxScore: 50},
			{Criterion: "skills", Score: 42, MaxScore: 50, Comment: "solid"},
		},
		CandidateInfo:  &CandidateInfo{FullName: "Jane Doe", Email: "Jane@Example.com", Phone: "555-0100"},
		RequiredSkills: []string{"Go", "Kubernetes"},
		RawJSON:        []byte(`{"name":"Jane Doe","skills":["go","sql"]}`),
	}

	outcome, err := f.rec.Apply(context.Background(), cb)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.AlreadyApplied {
		t.Fatalf("first callback must not be marked already applied")
	}

	resume := f.reloadResume(t)
	if resume.Status != database.ResumeCompleted {
		t.Fatalf("resume status = %s, want Completed", resume.Status)
	}
	if len(resume.ParsedData) == 0 {
		t.Fatalf("parsed data must be stored")
	}
	if resume.CandidateID == nil {
		t.Fatalf("resume must be linked to a candidate")
	}

	app := f.reloadApp(t)
	if app.Status != database.ApplicationReviewed {
		t.Fatalf("application status = %s, want Reviewed", app.Status)
	}
	if app.TotalScore == nil || *app.TotalScore != 82 {
		t.Fatalf("total score = %v, want 82", app.TotalScore)
	}
	if app.ProcessedAt == nil || app.ProcessingTimeMs == nil {
		t.Fatalf("processing timestamps must be set")
	}
	if string(app.MatchSkills) != `["Go"]` {
		t.Fatalf("match skills = %s, want [\"Go\"]", app.MatchSkills)
	}
	if string(app.MissingSkills) != `["Kubernetes"]` {
		t.Fatalf("missing skills = %s, want [\"Kubernetes\"]", app.MissingSkills)
	}

	var details int64
	if err := f.db.Model(&database.ScoreDetail{}).Where("application_id = ?", app.ID).Count(&details).Error; err != nil {
		t.Fatalf("count details: %v", err)
	}
	if details != 2 {
		t.Fatalf("score details = %d, want 2", details)
	}

	var candidate database.Candidate
	if err := f.db.First(&candidate, *resume.CandidateID).Error; err != nil {
		t.Fatalf("load candidate: %v", err)
	}
	if candidate.Email != "jane@example.com" {
		t.Fatalf("candidate email = %q, want normalized lowercase", candidate.Email)
	}

	ev := f.notifier.lastEvent(t)
	if ev.Type != notify.EventResumeScored || ev.CompanyID != f.company.ID {
		t.Fatalf("event = %+v, want resume_scored for company %d", ev, f.company.ID)
	}
}

func TestApply_TerminalReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	cb := Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(70),
		ScoreDetails:     []ScoreDetailPayload{{Criterion: "overall", Score: 70, MaxScore: 100}},
		RawJSON:          []byte(`{"name":"X"}`),
	}
	if _, err := f.rec.Apply(context.Background(), cb); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// 完全不同内容的重放也不得改写任何状态
	replay := Callback{QueueJobID: f.app.QueueJobID, Error: "invalid_resume_data"}
	outcome, err := f.rec.Apply(context.Background(), replay)
	if err != nil {
		t.Fatalf("replay apply: %v", err)
	}
	if !outcome.AlreadyApplied {
		t.Fatalf("replay must be flagged already applied")
	}

	app := f.reloadApp(t)
	if app.Status != database.ApplicationReviewed {
		t.Fatalf("replay mutated application status to %s", app.Status)
	}
	resume := f.reloadResume(t)
	if resume.Status != database.ResumeCompleted {
		t.Fatalf("replay mutated resume status to %s", resume.Status)
	}

	var details int64
	f.db.Model(&database.ScoreDetail{}).Where("application_id = ?", app.ID).Count(&details)
	if details != 1 {
		t.Fatalf("score details = %d after replay, want 1", details)
	}
}

// 两个回调在终态检查之后同时进入写路径：事务内的条件更新保证
// 只有一个生效，评分明细绝不会写两份。
func TestApply_ConcurrentCallbacksWriteOnce(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	cb := Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(91),
		ScoreDetails: []ScoreDetailPayload{
			{Criterion: "experience", Score: 45, MaxScore: 50},
			{Criterion: "skills", Score: 46, MaxScore: 50},
		},
		RawJSON: []byte(`{"name":"Race Case"}`),
	}

	// 在外层回调通过终态快速检查之后、事务开启之前，让竞争回调先落地。
	injected := false
	f.rec.now = func() time.Time {
		if !injected {
			injected = true
			rival := NewReconciler(f.db, nil, nil)
			if _, err := rival.Apply(context.Background(), cb); err != nil {
				t.Errorf("rival callback: %v", err)
			}
		}
		return time.Now()
	}

	outcome, err := f.rec.Apply(context.Background(), cb)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !outcome.AlreadyApplied {
		t.Fatalf("losing callback must be accepted idempotently, not re-applied")
	}

	app := f.reloadApp(t)
	if app.Status != database.ApplicationReviewed {
		t.Fatalf("application status = %s, want Reviewed", app.Status)
	}
	var details int64
	if err := f.db.Model(&database.ScoreDetail{}).Where("application_id = ?", app.ID).Count(&details).Error; err != nil {
		t.Fatalf("count details: %v", err)
	}
	if details != 2 {
		t.Fatalf("score details = %d, want 2 from the single winning writer", details)
	}
}

func TestApply_UnknownQueueJob(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	_, err := f.rec.Apply(context.Background(), Callback{QueueJobID: "no-such-job"})
	if !errors.Is(err, ErrUnknownQueueJob) {
		t.Fatalf("err = %v, want ErrUnknownQueueJob", err)
	}
	if app := f.reloadApp(t); app.Status != database.ApplicationPending {
		t.Fatalf("unrelated application must stay untouched")
	}
}

func TestApply_InvalidResumeData(t *testing.T) {
	f := newFixture(t, database.ResumePending, []byte(`{"stale":"parse"}`))

	outcome, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID: f.app.QueueJobID,
		Error:      ErrCodeInvalidResumeData,
		Reason:     "document is not a resume",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.Application.Status != database.ApplicationFailed {
		t.Fatalf("application status = %s, want Failed", outcome.Application.Status)
	}

	resume := f.reloadResume(t)
	if resume.Status != database.ResumeInvalidResumeData {
		t.Fatalf("resume status = %s, want InvalidResumeData", resume.Status)
	}
	if len(resume.ParsedData) != 0 {
		t.Fatalf("terminal document defect must clear parsed data")
	}
	app := f.reloadApp(t)
	if app.ErrorType != database.ErrorTypeTechnical {
		t.Fatalf("error type = %s, want TechnicalError", app.ErrorType)
	}
	if ev := f.notifier.lastEvent(t); ev.Type != notify.EventResumeFailed {
		t.Fatalf("event type = %s, want resume_failed", ev.Type)
	}
}

func TestApply_JobSemanticFailureKeepsParsedResume(t *testing.T) {
	f := newFixture(t, database.ResumePending, []byte(`{"name":"Jane"}`))

	if _, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID: f.app.QueueJobID,
		Error:      ErrCodeJobTitleNotMatched,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	resume := f.reloadResume(t)
	if resume.Status != database.ResumeCompleted {
		t.Fatalf("resume status = %s, want Completed: parse succeeded, only the match failed", resume.Status)
	}
	if len(resume.ParsedData) == 0 {
		t.Fatalf("parsed data must survive a job-semantic failure")
	}
	app := f.reloadApp(t)
	if app.Status != database.ApplicationFailed || app.ErrorType != database.ErrorTypeJobTitleNotMatched {
		t.Fatalf("application = %s/%s, want Failed/JobTitleNotMatched", app.Status, app.ErrorType)
	}
}

func TestApply_MissingScoreFields(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	_, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID: f.app.QueueJobID,
		RawJSON:    []byte(`{"name":"Jane"}`),
	})
	if !errors.Is(err, ErrInvalidScorePayload) {
		t.Fatalf("err = %v, want ErrInvalidScorePayload", err)
	}

	app := f.reloadApp(t)
	if app.Status != database.ApplicationFailed || app.ErrorType != database.ErrorTypeTechnical {
		t.Fatalf("application = %s/%s, want Failed/TechnicalError", app.Status, app.ErrorType)
	}
	// 打分字段缺失是投递层面的问题，简历不动
	if resume := f.reloadResume(t); resume.Status != database.ResumePending {
		t.Fatalf("resume status = %s, want untouched Pending", resume.Status)
	}
}

func TestApply_CandidateMergeByEmail(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	existing := database.Candidate{CompanyID: f.company.ID, FullName: "Jane D", Email: "jane@example.com", Phone: "000"}
	if err := f.db.Create(&existing).Error; err != nil {
		t.Fatalf("seed candidate: %v", err)
	}

	if _, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(60),
		ScoreDetails:     []ScoreDetailPayload{{Criterion: "overall", Score: 60, MaxScore: 100}},
		CandidateInfo:    &CandidateInfo{FullName: "Jane Doe", Email: "JANE@example.com"},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var count int64
	f.db.Model(&database.Candidate{}).Where("company_id = ?", f.company.ID).Count(&count)
	if count != 1 {
		t.Fatalf("candidates = %d, email match must merge instead of creating", count)
	}
	if resume := f.reloadResume(t); resume.CandidateID == nil || *resume.CandidateID != existing.ID {
		t.Fatalf("resume must link to the merged candidate")
	}
}

func TestApply_IdentityFallsBackToRawJSON(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	if _, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(55),
		ScoreDetails:     []ScoreDetailPayload{{Criterion: "overall", Score: 55, MaxScore: 100}},
		RawJSON:          []byte(`{"candidate":{"name":"Bob Lee","email":"bob@example.com"}}`),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var candidate database.Candidate
	if err := f.db.Where("company_id = ? AND email = ?", f.company.ID, "bob@example.com").First(&candidate).Error; err != nil {
		t.Fatalf("candidate from raw json not created: %v", err)
	}
	if candidate.FullName != "Bob Lee" {
		t.Fatalf("candidate name = %q", candidate.FullName)
	}
}

func TestApply_PanicDegradesResume(t *testing.T) {
	f := newFixture(t, database.ResumePending, nil)

	// 注入会 panic 的时钟，模拟处理途中的崩溃。
	f.rec.now = func() time.Time { panic("clock exploded") }

	_, err := f.rec.Apply(context.Background(), Callback{
		QueueJobID:       f.app.QueueJobID,
		TotalResumeScore: scoreOf(50),
		ScoreDetails:     []ScoreDetailPayload{{Criterion: "overall", Score: 50, MaxScore: 100}},
	})
	if err == nil {
		t.Fatalf("panicking reconciliation must surface an error")
	}

	if resume := f.reloadResume(t); resume.Status != database.ResumeFailed {
		t.Fatalf("resume status = %s, want degraded to Failed", resume.Status)
	}
}

func TestMatchRequiredSkills(t *testing.T) {
	raw := []byte(`{"skills":["Go","docker","SQL"]}`)
	match, missing := matchRequiredSkills([]string{"go", "Rust", "SQL"}, raw)
	if string(match) != `["go","SQL"]` {
		t.Fatalf("match = %s", match)
	}
	if string(missing) != `["Rust"]` {
		t.Fatalf("missing = %s", missing)
	}

	match, missing = matchRequiredSkills(nil, raw)
	if match != nil || missing != nil {
		t.Fatalf("no required skills must yield nil/nil")
	}
}
