// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DuplicateMap 是"列名 → 重复记录数"的映射，在数据库中以 JSON 文本存储。
type DuplicateMap map[string]int64

// Value 实现 driver.Valuer，把映射序列化为 JSON。
func (m DuplicateMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan 实现 sql.Scanner，从 JSON 文本还原映射。
func (m *DuplicateMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("无法将 %T 扫描为 DuplicateMap", value)
	}
}

// FileRecord 定义了 files 表的 ORM 模型。
// 分析相关字段在上传时为 NULL，分析成功后由 UpdateAnalysis 一次性填充；
// 四个核心分析字段（null_count/total_rows/total_columns/analysis_time）
// 要么全空要么全有。FileReference 插入后不再变更。
type FileRecord struct {
	ID               uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OriginalFilename string       `gorm:"type:varchar(255);not null" json:"original_filename"`
	StoredFilename   string       `gorm:"type:varchar(255);not null;uniqueIndex" json:"stored_filename"`
	FilePath         string       `gorm:"type:varchar(500);not null" json:"file_path"`
	FileSize         int64        `gorm:"not null" json:"file_size"`
	ContentType      string       `gorm:"type:varchar(100);not null" json:"content_type"`
	FileReference    string       `gorm:"type:varchar(36);not null;uniqueIndex" json:"file_reference"`
	NullCount        *int64       `gorm:"default:null" json:"null_count"`
	TotalRows        *int64       `gorm:"default:null" json:"total_rows"`
	TotalColumns     *int64       `gorm:"default:null" json:"total_columns"`
	DuplicateRecords DuplicateMap `gorm:"type:json;default:null" json:"duplicate_records"`
	AnalysisTime     *string      `gorm:"type:varchar(32);default:null" json:"analysis_time"`
	MemoryUsageMB    *string      `gorm:"type:varchar(32);column:memory_usage_mb;default:null" json:"memory_usage_mb"`
	CreatedAt        time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "files"
}

// Analyzed 报告该记录是否已完成分析。
func (f *FileRecord) Analyzed() bool {
	return f.NullCount != nil && f.TotalRows != nil && f.TotalColumns != nil && f.AnalysisTime != nil
}

// AnalysisResult 是一次分析写回数据库的全部字段。
type AnalysisResult struct {
	NullCount        int64
	TotalRows        int64
	TotalColumns     int64
	DuplicateRecords DuplicateMap
	AnalysisTime     string
	MemoryUsageMB    *string
}

// Validate 校验分析结果满足基本不变式。
func (r *AnalysisResult) Validate() error {
	if r.NullCount < 0 || r.TotalRows < 0 || r.TotalColumns < 0 {
		return errors.New("分析结果包含负数计数")
	}
	if r.NullCount > r.TotalRows {
		return errors.New("空值行数不能超过总行数")
	}
	for col, n := range r.DuplicateRecords {
		if n < 1 {
			return fmt.Errorf("列 %q 的重复数必须 >= 1", col)
		}
	}
	return nil
}
