package ingest

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"talentgate/internal/database"
)

// ErrQuotaExceeded 表示租户的简历配额已用尽。
var ErrQuotaExceeded = errors.New("resume quota exceeded")

// ReserveQuota 在调用方的事务内原子地占用一个配额单位。
// check-then-increment 折叠为单条条件 UPDATE，两个并发请求抢最后
// 一个配额时数据库保证只有一个成功。克隆路径不得调用本函数。
func ReserveQuota(tx *gorm.DB, companyID uint) error {
	result := tx.Model(&database.Company{}).
		Where("id = ? AND resume_quota_used < resume_quota_limit", companyID).
		UpdateColumn("resume_quota_used", gorm.Expr("resume_quota_used + 1"))
	if result.Error != nil {
		return fmt.Errorf("reserve quota: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&database.Company{}).Where("id = ?", companyID).Count(&count).Error; err != nil {
			return fmt.Errorf("check company: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("company %d not found", companyID)
		}
		return ErrQuotaExceeded
	}
	return nil
}

// ReleaseQuota 归还一个配额单位，用于事务外的补偿场景。
func ReleaseQuota(tx *gorm.DB, companyID uint) error {
	result := tx.Model(&database.Company{}).
		Where("id = ? AND resume_quota_used > 0", companyID).
		UpdateColumn("resume_quota_used", gorm.Expr("resume_quota_used - 1"))
	if result.Error != nil {
		return fmt.Errorf("release quota: %w", result.Error)
	}
	return nil
}
