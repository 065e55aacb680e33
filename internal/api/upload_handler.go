package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"talentgate/internal/api/middleware"
	"talentgate/internal/database"
	"talentgate/internal/errcode"
	"talentgate/internal/ingest"
	"talentgate/internal/storage"
)

// 单文件大小上限；超过直接拒绝，避免把内存交给恶意上传。
const maxResumeFileBytes = 10 * 1024 * 1024

// 批量上传的每分钟提交次数上限（按租户，redis 计数）。
const maxBatchSubmitsPerMinute = 10

// UploadHandler 负责简历上传入口：单文件与批量。
type UploadHandler struct {
	db            *gorm.DB
	orchestrator  *ingest.Orchestrator
	storage       *storage.Client
	redisClient   *redis.Client
	clamdAddr     string
	maxBatchFiles int
}

// NewUploadHandler 构造 UploadHandler。
func NewUploadHandler(
	db *gorm.DB,
	orchestrator *ingest.Orchestrator,
	storageClient *storage.Client,
	redisClient *redis.Client,
	clamdAddr string,
	maxBatchFiles int,
) *UploadHandler {
	if maxBatchFiles <= 0 {
		maxBatchFiles = 100
	}
	return &UploadHandler{
		db:            db,
		orchestrator:  orchestrator,
		storage:       storageClient,
		redisClient:   redisClient,
		clamdAddr:     clamdAddr,
		maxBatchFiles: maxBatchFiles,
	}
}

var errInvalidTargetID = errors.New("invalid campaign or job id")

// UploadResume 接收单个简历文件并走完整摄取链路。
func (h *UploadHandler) UploadResume(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	target, ok := h.resolveTarget(c, companyID)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}

	file, ok := h.readAndScan(c, fileHeader)
	if !ok {
		return
	}

	result := h.orchestrator.UploadOne(c.Request.Context(), *target, *file)
	respondUploadResult(c, result)
}

// UploadResumeBatch 接收最多 maxBatchFiles 个文件，逐文件隔离处理。
// 批量上传是付费能力。
func (h *UploadHandler) UploadResumeBatch(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	var company database.Company
	if err := h.db.WithContext(c.Request.Context()).First(&company, companyID).Error; err != nil {
		Internal(c, "failed to load company")
		return
	}
	if !company.PaidPlan {
		ErrorWithCode(c, http.StatusForbidden, errcode.PaidPlanRequired, "batch upload requires a paid plan")
		return
	}

	if h.redisClient != nil {
		key := fmt.Sprintf("batch_submits:%d", companyID)
		count, err := bumpWindowCounter(c.Request.Context(), h.redisClient, key, time.Minute)
		if err == nil && count > maxBatchSubmitsPerMinute {
			TooMany(c, "too many batch submissions, slow down")
			return
		}
	}

	target, ok := h.resolveTarget(c, companyID)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		BadRequest(c, "invalid multipart form")
		return
	}
	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		BadRequest(c, "no files provided")
		return
	}
	if len(fileHeaders) > h.maxBatchFiles {
		BadRequest(c, fmt.Sprintf("too many files, limit is %d", h.maxBatchFiles))
		return
	}

	log := middleware.LoggerFromContext(c)

	// 读不进来或没过病毒扫描的文件就地标记失败，不拖累兄弟文件。
	files := make([]ingest.FileUpload, 0, len(fileHeaders))
	rejected := make([]ingest.UploadResult, 0)
	for _, fh := range fileHeaders {
		file, err := h.readFile(fh)
		if err == nil {
			err = h.scanFile(file)
		}
		if err != nil {
			log.Warn("batch file rejected before ingestion",
				slog.String("file_name", fh.Filename),
				slog.Any("error", err),
			)
			rejected = append(rejected, ingest.UploadResult{
				FileName:     fh.Filename,
				Outcome:      ingest.OutcomeFailed,
				ErrorCode:    errcode.SystemError,
				ErrorMessage: err.Error(),
			})
			continue
		}
		files = append(files, *file)
	}

	results := h.orchestrator.UploadBatch(c.Request.Context(), *target, files)
	results = append(results, rejected...)

	summary := map[string]int{}
	for i := range results {
		summary[string(results[i].Outcome)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"items":   results,
		"summary": summary,
	})
}

// GetDownloadLink 生成简历原件的预签名下载链接。
func (h *UploadHandler) GetDownloadLink(c *gin.Context) {
	companyID, ok := companyIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resumeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid resume id")
		return
	}

	var resume database.Resume
	err = h.db.WithContext(c.Request.Context()).
		Where("id = ? AND company_id = ?", uint(resumeID), companyID).
		First(&resume).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		NotFound(c, "resume not found")
		return
	}
	if err != nil {
		Internal(c, "failed to query resume")
		return
	}
	if resume.FileURL == "" {
		Conflict(c, "resume file not available")
		return
	}

	signedURL, err := h.storage.GeneratePresignedURL(c.Request.Context(), resume.FileURL, 5*time.Minute)
	if err != nil {
		middleware.LoggerFromContext(c).Error("generate download link", slog.Any("error", err))
		Internal(c, "failed to generate download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

// resolveTarget 每批只校验一次活动与岗位的归属及状态。
func (h *UploadHandler) resolveTarget(c *gin.Context, companyID uint) (*ingest.Target, bool) {
	ctx := c.Request.Context()

	campaign, job, err := validateCampaignAndJob(ctx, h.db, c.Param("campaignId"), c.Param("jobId"), companyID)
	switch {
	case errors.Is(err, errInvalidTargetID):
		BadRequest(c, "invalid campaign or job id")
		return nil, false
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "campaign or job not found")
		return nil, false
	case errors.Is(err, errCampaignNotPublished):
		Conflict(c, "campaign is not published")
		return nil, false
	case err != nil:
		Internal(c, "failed to validate campaign and job")
		return nil, false
	}

	return &ingest.Target{
		CompanyID:     companyID,
		Campaign:      campaign,
		Job:           job,
		CorrelationID: middleware.GetCorrelationID(c),
	}, true
}

var errCampaignNotPublished = errors.New("campaign is not published")

func validateCampaignAndJob(ctx context.Context, db *gorm.DB, campaignParam, jobParam string, companyID uint) (*database.Campaign, *database.Job, error) {
	campaignID, err := strconv.ParseUint(campaignParam, 10, 64)
	if err != nil {
		return nil, nil, errInvalidTargetID
	}
	jobID, err := strconv.ParseUint(jobParam, 10, 64)
	if err != nil {
		return nil, nil, errInvalidTargetID
	}

	var campaign database.Campaign
	if err := db.WithContext(ctx).
		Where("id = ? AND company_id = ?", uint(campaignID), companyID).
		First(&campaign).Error; err != nil {
		return nil, nil, err
	}
	if campaign.Status != database.CampaignPublished {
		return nil, nil, errCampaignNotPublished
	}

	var job database.Job
	if err := db.WithContext(ctx).
		Where("id = ? AND campaign_id = ? AND company_id = ?", uint(jobID), campaign.ID, companyID).
		First(&job).Error; err != nil {
		return nil, nil, err
	}

	return &campaign, &job, nil
}

// readAndScan 读取单文件并做病毒扫描，失败时已写好响应。
func (h *UploadHandler) readAndScan(c *gin.Context, fh *multipart.FileHeader) (*ingest.FileUpload, bool) {
	file, err := h.readFile(fh)
	if err != nil {
		if errors.Is(err, errFileTooLarge) {
			BadRequest(c, "file too large")
		} else {
			Internal(c, "failed to read file")
		}
		return nil, false
	}
	if err := h.scanFile(file); err != nil {
		if errors.Is(err, errMaliciousFile) {
			BadRequest(c, "malicious file detected")
		} else {
			middleware.LoggerFromContext(c).Error("scan file", slog.Any("error", err))
			Internal(c, "failed to scan file")
		}
		return nil, false
	}
	return file, true
}

var (
	errFileTooLarge  = errors.New("file too large")
	errMaliciousFile = errors.New("malicious file detected")
)

func (h *UploadHandler) readFile(fh *multipart.FileHeader) (*ingest.FileUpload, error) {
	if fh.Size > maxResumeFileBytes {
		return nil, errFileTooLarge
	}

	reader, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxResumeFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxResumeFileBytes {
		return nil, errFileTooLarge
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &ingest.FileUpload{
		FileName:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

// scanFile 在摄取前做病毒扫描；未配置 clamd 时跳过。
func (h *UploadHandler) scanFile(file *ingest.FileUpload) error {
	if h.clamdAddr == "" {
		return nil
	}

	clamdClient := clamd.NewClamd(h.clamdAddr)
	abortChan := make(chan bool)
	defer close(abortChan)

	scanChan, err := clamdClient.ScanStream(bytes.NewReader(file.Data), abortChan)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			return errMaliciousFile
		}
	}
	return nil
}

func respondUploadResult(c *gin.Context, result *ingest.UploadResult) {
	switch result.Outcome {
	case ingest.OutcomeDuplicate:
		ErrorWithCode(c, http.StatusConflict, result.ErrorCode, result.ErrorMessage)
	case ingest.OutcomeQuotaExceeded:
		ErrorWithCode(c, http.StatusForbidden, result.ErrorCode, result.ErrorMessage)
	case ingest.OutcomeFailed:
		ErrorWithCode(c, http.StatusInternalServerError, result.ErrorCode, "failed to ingest resume")
	case ingest.OutcomeClone:
		// 克隆结果立即可见，无需等待异步打分。
		c.JSON(http.StatusCreated, result)
	default:
		c.JSON(http.StatusAccepted, result)
	}
}

func companyIDFromContext(c *gin.Context) (uint, bool) {
	value, exists := c.Get("companyID")
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case uint64:
		return uint(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}
