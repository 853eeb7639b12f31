// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"dataquality-go/internal/analyzer"
	"dataquality-go/internal/model"
	"dataquality-go/internal/repository"
	"dataquality-go/pkg/log"
	"dataquality-go/pkg/storage"
)

// 业务层错误，handler 据此映射 HTTP 状态码。
var (
	// ErrFileNotFound 表示文件记录不存在。
	ErrFileNotFound = errors.New("文件记录不存在")
	// ErrNotAnalyzed 表示文件尚未完成分析，报告不可用。
	ErrNotAnalyzed = errors.New("文件尚未完成分析")
)

// FileService 接口定义了文件元数据的查询与维护操作。
// 流式上传-分析由 pipeline.Orchestrator 负责，这里只承载普通的 CRUD 面。
type FileService interface {
	Upload(filename, contentType string, content []byte) (*model.FileRecord, error)
	List(page, limit int, search string) ([]model.FileRecord, int64, error)
	GetByID(id uint64) (*model.FileRecord, error)
	GetReportByReference(ctx context.Context, ref string) ([]byte, error)
	Preview(id uint64, limit int) (*PreviewResult, error)
	Delete(id uint64) (*model.FileRecord, error)
}

// PreviewResult 是文件前 N 行的预览。
type PreviewResult struct {
	FileID       uint64                   `json:"file_id"`
	Columns      []string                 `json:"columns"`
	Records      []map[string]interface{} `json:"records"`
	TotalRows    int64                    `json:"total_rows"`
	PreviewCount int                      `json:"preview_count"`
}

// Report 是分析报告的响应结构，缓存与直读共用同一份序列化结果。
type Report struct {
	FileID           uint64           `json:"file_id"`
	OriginalFilename string           `json:"original_filename"`
	FileSize         int64            `json:"file_size"`
	TotalRecords     int64            `json:"total_records"`
	TotalColumns     int64            `json:"total_columns"`
	NullRecords      int64            `json:"null_records"`
	DuplicateRecords map[string]int64 `json:"duplicate_records"`
	TimeConsumption  string           `json:"time_consumption"`
	MemoryUsageMB    string           `json:"memory_usage_mb,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

type fileService struct {
	repo     repository.FileRepository
	store    *storage.LocalStorage
	archiver *storage.Archiver
	maxSize  int64
}

// NewFileService 创建一个新的 FileService 实例。archiver 可以为 nil。
func NewFileService(repo repository.FileRepository, store *storage.LocalStorage, archiver *storage.Archiver, maxFileSize int64) FileService {
	return &fileService{repo: repo, store: store, archiver: archiver, maxSize: maxFileSize}
}

// Upload 处理不带分析的普通上传：落盘 + 建档，失败时回滚磁盘文件。
// 扩展名与大小校验由 handler 在进入业务层之前完成。
func (s *fileService) Upload(filename, contentType string, content []byte) (*model.FileRecord, error) {
	storedName, absPath, err := s.store.Write(content, ".csv")
	if err != nil {
		return nil, fmt.Errorf("保存上传文件失败: %w", err)
	}

	if contentType == "" {
		contentType = "text/csv"
	}
	record := &model.FileRecord{
		OriginalFilename: filename,
		StoredFilename:   storedName,
		FilePath:         absPath,
		FileSize:         int64(len(content)),
		ContentType:      contentType,
		FileReference:    uuid.New().String(),
	}
	if err := s.repo.Create(record); err != nil {
		if delErr := s.store.Delete(absPath); delErr != nil {
			log.Warnf("[FileService] 插入失败后回滚删除文件失败: %v", delErr)
		}
		return nil, fmt.Errorf("保存文件元数据失败: %w", err)
	}
	log.Infof("[FileService] 文件上传成功, ID: %d, StoredName: %s", record.ID, storedName)
	return record, nil
}

// List 分页列出文件记录。
func (s *fileService) List(page, limit int, search string) ([]model.FileRecord, int64, error) {
	return s.repo.List(page, limit, search)
}

// GetByID 按数字主键取回完整记录。
func (s *fileService) GetByID(id uint64) (*model.FileRecord, error) {
	record, err := s.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return record, nil
}

// GetReportByReference 返回分析报告的 JSON 字节。
// 命中 Redis 缓存时原样返回缓存负载，保证同一记录的重复请求字节一致。
func (s *fileService) GetReportByReference(ctx context.Context, ref string) ([]byte, error) {
	if payload, ok := s.repo.GetCachedReport(ctx, ref); ok {
		return payload, nil
	}

	record, err := s.repo.GetByReference(ref)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	if !record.Analyzed() {
		return nil, ErrNotAnalyzed
	}

	report := Report{
		FileID:           record.ID,
		OriginalFilename: record.OriginalFilename,
		FileSize:         record.FileSize,
		TotalRecords:     *record.TotalRows,
		TotalColumns:     *record.TotalColumns,
		NullRecords:      *record.NullCount,
		DuplicateRecords: record.DuplicateRecords,
		TimeConsumption:  *record.AnalysisTime,
		CreatedAt:        record.CreatedAt,
	}
	if report.DuplicateRecords == nil {
		report.DuplicateRecords = map[string]int64{}
	}
	if record.MemoryUsageMB != nil {
		report.MemoryUsageMB = *record.MemoryUsageMB
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("序列化分析报告失败: %w", err)
	}
	s.repo.SetCachedReport(ctx, ref, payload)
	return payload, nil
}

// Preview 读取文件的前 limit 个数据行。缺失类单元格在结果中保留为 null。
func (s *fileService) Preview(id uint64, limit int) (*PreviewResult, error) {
	record, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(record.FilePath)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}

	records := make([]map[string]interface{}, 0, limit)
	var totalRows int64
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 CSV 数据行失败: %w", err)
		}
		totalRows++
		if len(records) >= limit {
			continue
		}
		entry := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i >= len(row) || analyzer.IsNullLike(row[i]) {
				entry[col] = nil
			} else {
				entry[col] = row[i]
			}
		}
		records = append(records, entry)
	}

	// 已分析的记录以数据库中的总行数为准
	if record.TotalRows != nil {
		totalRows = *record.TotalRows
	}

	return &PreviewResult{
		FileID:       record.ID,
		Columns:      header,
		Records:      records,
		TotalRows:    totalRows,
		PreviewCount: len(records),
	}, nil
}

// Delete 先删除数据库行，再删除磁盘文件与归档对象。
// 行删除之后的清理失败只记日志（进程崩溃时留下的孤儿文件由后台清扫处理）。
func (s *fileService) Delete(id uint64) (*model.FileRecord, error) {
	record, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Delete(id); err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	s.repo.InvalidateReport(context.Background(), record.FileReference)

	if err := s.store.Delete(record.FilePath); err != nil && !os.IsNotExist(err) {
		log.Warnf("[FileService] 删除磁盘文件失败 (ID %d, path %s): %v", id, record.FilePath, err)
	}
	if s.archiver != nil {
		if err := s.archiver.Remove(context.Background(), record.StoredFilename); err != nil {
			log.Warnf("[FileService] 删除归档对象失败 (ID %d): %v", id, err)
		}
	}
	log.Infof("[FileService] 文件已删除, ID: %d", id)
	return record, nil
}
