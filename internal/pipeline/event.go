// Package pipeline 实现上传-分析流水线：事件总线与各阶段的编排。
package pipeline

import "math"

// 上传事件的生命周期状态。
const (
	StatusUploading = "uploading"
	StatusAnalyzing = "analyzing"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// UploadEvent 是流水线发布、SSE 序列化器消费的单条生命周期事件。
// 指针字段为 nil 时不会出现在 JSON 帧中；零值（如 null_count=0）正常输出。
type UploadEvent struct {
	Status           string           `json:"status"`
	Progress         float64          `json:"progress"`
	Message          string           `json:"message"`
	FileID           *uint64          `json:"file_id,omitempty"`
	FileReference    string           `json:"file_reference,omitempty"`
	OriginalFilename string           `json:"original_filename,omitempty"`
	StoredFilename   string           `json:"stored_filename,omitempty"`
	FileSize         *int64           `json:"file_size,omitempty"`
	FilePath         string           `json:"file_path,omitempty"`
	NullCount        *int64           `json:"null_count,omitempty"`
	ProcessedCount   *int64           `json:"processed_count,omitempty"`
	TotalRows        *int64           `json:"total_rows,omitempty"`
	TotalColumns     *int64           `json:"total_columns,omitempty"`
	DuplicateRecords map[string]int64 `json:"duplicate_records,omitempty"`
	TimeConsumption  *float64         `json:"time_consumption,omitempty"`
}

// RoundProgress 把进度值收敛到两位小数。
func RoundProgress(p float64) float64 {
	return math.Round(p*100) / 100
}
