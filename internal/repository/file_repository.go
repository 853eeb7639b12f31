// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"dataquality-go/internal/model"
)

// ErrRecordNotFound 表示查询的文件记录不存在。
var ErrRecordNotFound = gorm.ErrRecordNotFound

// reportCacheTTL 是报告缓存的有效期。
const reportCacheTTL = time.Hour

// FileRepository 接口定义了文件元数据的持久化操作。
// 每个方法都是一次独立事务，Create 与 UpdateAnalysis 返回即已落盘。
type FileRepository interface {
	Create(record *model.FileRecord) error
	GetByID(id uint64) (*model.FileRecord, error)
	GetByReference(ref string) (*model.FileRecord, error)
	List(page, limit int, search string) ([]model.FileRecord, int64, error)
	UpdateAnalysis(id uint64, result *model.AnalysisResult) error
	Delete(id uint64) error

	// 报告缓存（Redis 未配置时自动降级为直读数据库）
	GetCachedReport(ctx context.Context, ref string) ([]byte, bool)
	SetCachedReport(ctx context.Context, ref string, payload []byte)
	InvalidateReport(ctx context.Context, ref string)
}

// fileRepository 是 FileRepository 接口的 GORM+Redis 实现。
type fileRepository struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewFileRepository 创建一个新的 FileRepository 实例。redisClient 可以为 nil。
func NewFileRepository(db *gorm.DB, redisClient *redis.Client) FileRepository {
	return &fileRepository{db: db, redisClient: redisClient}
}

// Create 在数据库中插入一条新的文件记录，ID 与时间戳由数据库填充。
func (r *fileRepository) Create(record *model.FileRecord) error {
	return r.db.Create(record).Error
}

// GetByID 根据数字主键检索文件记录。
func (r *fileRepository) GetByID(id uint64) (*model.FileRecord, error) {
	var record model.FileRecord
	if err := r.db.First(&record, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// GetByReference 根据对外暴露的引用标识检索文件记录。
func (r *fileRepository) GetByReference(ref string) (*model.FileRecord, error) {
	var record model.FileRecord
	if err := r.db.First(&record, "file_reference = ?", ref).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// List 分页列出文件记录，search 非空时对原始文件名做不区分大小写的子串匹配。
func (r *fileRepository) List(page, limit int, search string) ([]model.FileRecord, int64, error) {
	query := r.db.Model(&model.FileRecord{})
	if search != "" {
		query = query.Where("LOWER(original_filename) LIKE LOWER(?)", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []model.FileRecord
	offset := (page - 1) * limit
	if err := query.Order("id").Offset(offset).Limit(limit).Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// UpdateAnalysis 在单条 UPDATE（单事务）中写回全部分析字段。
func (r *fileRepository) UpdateAnalysis(id uint64, result *model.AnalysisResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	updates := map[string]interface{}{
		"null_count":        result.NullCount,
		"total_rows":        result.TotalRows,
		"total_columns":     result.TotalColumns,
		"duplicate_records": result.DuplicateRecords,
		"analysis_time":     result.AnalysisTime,
		"updated_at":        time.Now(),
	}
	if result.MemoryUsageMB != nil {
		updates["memory_usage_mb"] = *result.MemoryUsageMB
	}
	tx := r.db.Model(&model.FileRecord{}).Where("id = ?", id).Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete 删除文件记录行。磁盘文件的删除由上层在行删除成功之后执行。
func (r *fileRepository) Delete(id uint64) error {
	tx := r.db.Delete(&model.FileRecord{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// reportCacheKey 生成报告缓存的 Redis 键。
func reportCacheKey(ref string) string {
	return "file:report:" + ref
}

// GetCachedReport 读取缓存的报告 JSON。未命中或 Redis 未配置时返回 false。
func (r *fileRepository) GetCachedReport(ctx context.Context, ref string) ([]byte, bool) {
	if r.redisClient == nil {
		return nil, false
	}
	payload, err := r.redisClient.Get(ctx, reportCacheKey(ref)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// 缓存故障只降级，不影响主流程
			return nil, false
		}
		return nil, false
	}
	return payload, true
}

// SetCachedReport 写入报告缓存，尽力而为。
func (r *fileRepository) SetCachedReport(ctx context.Context, ref string, payload []byte) {
	if r.redisClient == nil {
		return
	}
	_ = r.redisClient.Set(ctx, reportCacheKey(ref), payload, reportCacheTTL).Err()
}

// InvalidateReport 在记录变更或删除后清除报告缓存。
func (r *fileRepository) InvalidateReport(ctx context.Context, ref string) {
	if r.redisClient == nil {
		return
	}
	_ = r.redisClient.Del(ctx, reportCacheKey(ref)).Err()
}
