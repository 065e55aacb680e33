package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
)

// BlobStore 抽象对象存储，由 storage.Client 实现，测试用假实现替换。
type BlobStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// Uploader 在数据库事务打开之前完成对象上传，失败时做有界重试。
// 慢速的外部上传绝不能占着数据库锁，这也是它先于事务执行的原因。
type Uploader struct {
	store     BlobStore
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// NewUploader 构造上传器；attempts 是总尝试次数（含首次）。
func NewUploader(store BlobStore, attempts int, baseDelay time.Duration, logger *slog.Logger) *Uploader {
	if attempts <= 0 {
		attempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:     store,
		attempts:  attempts,
		baseDelay: baseDelay,
		logger:    logger,
	}
}

// Upload 上传文件字节并返回对象键；指数退避（1s、2s、…）重试，
// 耗尽后返回终态错误。
func (u *Uploader) Upload(ctx context.Context, objectKey string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var lastErr error
	delay := u.baseDelay
	for attempt := 1; attempt <= u.attempts; attempt++ {
		_, err := u.store.UploadFile(ctx, objectKey, bytes.NewReader(data), int64(len(data)), contentType)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == u.attempts {
			break
		}
		u.logger.Warn("blob upload attempt failed, retrying",
			slog.String("object_key", objectKey),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("upload %q: %w", objectKey, ctx.Err())
		}
		delay *= 2
	}

	return fmt.Errorf("upload %q after %d attempts: %w", objectKey, u.attempts, lastErr)
}

// Delete 删除对象。补偿路径专用：尽力而为，调用方只记日志，不重试也不致命。
func (u *Uploader) Delete(ctx context.Context, objectKey string) error {
	if err := u.store.DeleteObject(ctx, objectKey); err != nil {
		return fmt.Errorf("delete %q: %w", objectKey, err)
	}
	return nil
}
