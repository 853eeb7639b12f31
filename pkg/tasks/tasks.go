// Package tasks defines the structure for messages that are sent to Kafka.
package tasks

// AnalysisCompletedTask 是分析完成后发往 Kafka 的审计消息。
type AnalysisCompletedTask struct {
	FileID           uint64            `json:"file_id"`
	FileReference    string            `json:"file_reference"`
	OriginalFilename string            `json:"original_filename"`
	NullCount        int64             `json:"null_count"`
	TotalRows        int64             `json:"total_rows"`
	TotalColumns     int64             `json:"total_columns"`
	DuplicateRecords map[string]int64  `json:"duplicate_records"`
	AnalysisTime     string            `json:"analysis_time"`
	MemoryUsageMB    string            `json:"memory_usage_mb,omitempty"`
}
