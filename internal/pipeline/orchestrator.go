package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataquality-go/internal/analyzer"
	"dataquality-go/internal/config"
	"dataquality-go/internal/model"
	"dataquality-go/internal/repository"
	"dataquality-go/pkg/kafka"
	"dataquality-go/pkg/log"
	"dataquality-go/pkg/memwatch"
	"dataquality-go/pkg/storage"
	"dataquality-go/pkg/tasks"
)

// Orchestrator 驱动一次上传的完整生命周期：
// 校验 → 落盘 → 建档 → 分析 → 写回 → 完成，事件全部发布到该上传专属的总线。
type Orchestrator struct {
	repo        repository.FileRepository
	store       *storage.LocalStorage
	archiver    *storage.Archiver
	maxFileSize int64
	chunkSize   int
}

// NewOrchestrator 创建流水线编排器。archiver 可以为 nil（未启用 MinIO 归档）。
func NewOrchestrator(
	repo repository.FileRepository,
	store *storage.LocalStorage,
	archiver *storage.Archiver,
	uploadCfg config.UploadConfig,
	analysisCfg config.AnalysisConfig,
) *Orchestrator {
	return &Orchestrator{
		repo:        repo,
		store:       store,
		archiver:    archiver,
		maxFileSize: uploadCfg.MaxFileSize,
		chunkSize:   analysisCfg.ChunkSize,
	}
}

// UploadInput 是一次 SSE 上传的输入。Open 延迟打开上传内容，
// 由 handler 从 multipart 表单字段适配而来。
type UploadInput struct {
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
	// UpdateInterval 是分析期非终态事件的合并窗口，终态事件绝不丢弃。
	UpdateInterval time.Duration
}

// streamState 聚合一次上传过程中逐步知晓的元数据，供事件组装使用。
// 编排器与分析器回调运行在同一个 goroutine 上，无需加锁。
type streamState struct {
	fileID           *uint64
	fileReference    string
	nullCount        int64
	processedCount   int64
	totalRows        *int64
	totalColumns     *int64
	duplicateRecords map[string]int64
}

// event 组装一条携带当前已知元数据的事件，进度收敛到两位小数。
func (s *streamState) event(status string, progress float64, message string) UploadEvent {
	nullCount := s.nullCount
	processed := s.processedCount
	return UploadEvent{
		Status:           status,
		Progress:         RoundProgress(progress),
		Message:          message,
		FileID:           s.fileID,
		FileReference:    s.fileReference,
		NullCount:        &nullCount,
		ProcessedCount:   &processed,
		TotalRows:        s.totalRows,
		TotalColumns:     s.totalColumns,
		DuplicateRecords: s.duplicateRecords,
	}
}

// analysisProgress 把分块进度映射到 [0.1, 0.9] 区间。
func analysisProgress(processed, totalRows int64) float64 {
	total := totalRows
	if total < 1 {
		total = 1
	}
	p := 0.1 + 0.8*float64(processed)/float64(total)
	return math.Min(math.Max(p, 0.1), 0.9)
}

// Run 处理一次上传。流开始之后错误一律以 error 事件收尾，绝不越过响应边界；
// 返回前关闭总线。客户端断开（总线被消费端关闭）时静默取消，不补发事件。
func (o *Orchestrator) Run(ctx context.Context, in UploadInput, bus *EventBus) {
	defer bus.Close()

	start := time.Now()
	st := &streamState{}

	fail := func(message string) {
		bus.Publish(st.event(StatusError, 1.0, message))
	}

	// 阶段 1：起始事件
	if !bus.Publish(st.event(StatusUploading, 0.0, "Starting file upload...")) {
		return
	}

	// 阶段 2：扩展名检查（handler 已预检过一次，这里复核以保证直接调用也安全）
	filename := in.Filename
	ext := strings.ToLower(filepath.Ext(filename))
	if filename == "" || ext != ".csv" {
		log.Warnf("[Orchestrator] 文件扩展名校验失败: %q", filename)
		fail(fmt.Sprintf("Only CSV files are allowed. Received: %s", ext))
		return
	}
	if !bus.Publish(st.event(StatusUploading, 0.10, "Validating file format and ensuring compatibility...")) {
		return
	}

	// 阶段 3：读取内容
	if !bus.Publish(st.event(StatusUploading, 0.20, "Reading and processing uploaded file content into memory...")) {
		return
	}
	src, err := in.Open()
	if err != nil {
		log.Error("[Orchestrator] 打开上传文件失败", err)
		fail(fmt.Sprintf("Failed to read uploaded file: %s", err))
		return
	}
	content, err := io.ReadAll(src)
	_ = src.Close()
	if err != nil {
		log.Error("[Orchestrator] 读取上传内容失败", err)
		fail(fmt.Sprintf("Failed to read uploaded file: %s", err))
		return
	}
	fileSize := int64(len(content))

	// 阶段 4：大小检查
	if !bus.Publish(st.event(StatusUploading, 0.30, "Validating file size against maximum allowed limits...")) {
		return
	}
	if fileSize > o.maxFileSize {
		log.Warnf("[Orchestrator] 文件超限: %d 字节 (上限 %d)", fileSize, o.maxFileSize)
		fail("File too large")
		return
	}

	// 阶段 5：生成唯一文件名并落盘
	if !bus.Publish(st.event(StatusUploading, 0.50, "Generating secure unique identifier and writing file to storage...")) {
		return
	}
	storedName, absPath, err := o.store.Write(content, ext)
	if err != nil {
		log.Error("[Orchestrator] 写入上传文件失败", err)
		fail(fmt.Sprintf("Error occurred while saving file to disk: %s", err))
		return
	}
	log.Infof("[Orchestrator] 文件已落盘: %s", absPath)

	// 阶段 6：插入元数据记录
	if !bus.Publish(st.event(StatusUploading, 0.70, "Persisting file metadata and creating database records...")) {
		return
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "text/csv"
	}
	record := &model.FileRecord{
		OriginalFilename: filename,
		StoredFilename:   storedName,
		FilePath:         absPath,
		FileSize:         fileSize,
		ContentType:      contentType,
		FileReference:    uuid.New().String(),
	}
	if err := o.repo.Create(record); err != nil {
		log.Error("[Orchestrator] 插入文件记录失败，回滚磁盘文件", err)
		if delErr := o.store.Delete(absPath); delErr != nil {
			log.Warnf("[Orchestrator] 回滚删除文件失败: %v", delErr)
		}
		fail(fmt.Sprintf("Database operation failed while storing file metadata: %s. The file has been removed from disk.", err))
		return
	}
	st.fileID = &record.ID
	st.fileReference = record.FileReference
	log.Infof("[Orchestrator] 文件记录已创建, ID: %d, Reference: %s", record.ID, record.FileReference)

	if !bus.Publish(st.event(StatusUploading, 0.90, "File record created successfully. Preparing analysis...")) {
		return
	}
	if !bus.Publish(st.event(StatusUploading, 1.0, "File upload completed successfully. Initiating comprehensive data quality analysis...")) {
		return
	}

	// 阶段 7：分析。采样器在独立线程上跟踪峰值 RSS；
	// 消费端离开（总线关闭）时取消分析器，分析器在分块边界协作退出。
	sampler := memwatch.Start(memwatch.DefaultInterval)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-bus.Done():
			cancel()
		case <-actx.Done():
		}
	}()

	if !bus.Publish(st.event(StatusAnalyzing, 0.10, "Reading and parsing CSV file structure...")) {
		sampler.Stop()
		return
	}

	var lastChunkEvent time.Time
	res, err := analyzer.Analyze(actx, absPath, o.chunkSize, func(p analyzer.Progress) {
		switch p.Stage {
		case analyzer.StageLoaded:
			totalRows, totalColumns := p.TotalRows, p.TotalColumns
			st.totalRows = &totalRows
			st.totalColumns = &totalColumns
			bus.Publish(st.event(StatusAnalyzing, 0.20, fmt.Sprintf(
				"CSV file successfully loaded. Beginning comprehensive analysis of %d rows across %d columns...",
				totalRows, totalColumns)))
		case analyzer.StageChunk:
			st.nullCount = p.NullRows
			st.processedCount = p.ProcessedRows
			if in.UpdateInterval > 0 && time.Since(lastChunkEvent) < in.UpdateInterval {
				return
			}
			lastChunkEvent = time.Now()
			bus.Publish(st.event(StatusAnalyzing, analysisProgress(p.ProcessedRows, p.TotalRows), fmt.Sprintf(
				"Processing %d of %d rows. Found %d rows with null/undefined values so far...",
				p.ProcessedRows, p.TotalRows, p.NullRows)))
		case analyzer.StageDone:
			st.nullCount = p.NullRows
			st.processedCount = p.ProcessedRows
			totalRows := p.TotalRows
			st.totalRows = &totalRows
			st.duplicateRecords = p.Duplicates
			bus.Publish(st.event(StatusAnalyzing, 0.90, fmt.Sprintf(
				"Data quality analysis completed successfully. Identified %d rows containing null or undefined values. "+
					"Detected duplicate entries in %d column(s). Generating comprehensive report...",
				p.NullRows, len(p.Duplicates))))
		}
	})
	sampler.Stop()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// 客户端断开：静默取消，记录保持已插入状态，不写回部分结果
			log.Infof("[Orchestrator] 分析被取消, 文件 ID: %d", record.ID)
			return
		}
		log.Error("[Orchestrator] CSV 分析失败", err)
		fail(fmt.Sprintf("Data analysis encountered an error: %s. The file has been uploaded but analysis could not be completed.", err))
		return
	}

	// 阶段 8：写回分析结果。写回失败只记日志，仍用内存中的结果发完成事件，
	// 因为文件已持久化且分析本身是成功的。
	analysisSeconds := time.Since(start).Seconds()
	var memoryUsage *string
	if peak, ok := sampler.PeakMB(); ok {
		s := fmt.Sprintf("%.2f", peak)
		memoryUsage = &s
	}
	analysisResult := &model.AnalysisResult{
		NullCount:        res.NullRows,
		TotalRows:        res.TotalRows,
		TotalColumns:     res.TotalColumns,
		DuplicateRecords: model.DuplicateMap(res.DuplicateCounts),
		AnalysisTime:     fmt.Sprintf("%.2f", analysisSeconds),
		MemoryUsageMB:    memoryUsage,
	}
	if err := o.repo.UpdateAnalysis(record.ID, analysisResult); err != nil {
		log.Warnf("[Orchestrator] 写回分析结果失败 (文件 ID %d): %v", record.ID, err)
	} else {
		o.repo.InvalidateReport(context.Background(), record.FileReference)
	}

	// 分析审计消息与对象存储归档都是尽力而为
	audit := tasks.AnalysisCompletedTask{
		FileID:           record.ID,
		FileReference:    record.FileReference,
		OriginalFilename: record.OriginalFilename,
		NullCount:        res.NullRows,
		TotalRows:        res.TotalRows,
		TotalColumns:     res.TotalColumns,
		DuplicateRecords: res.DuplicateCounts,
		AnalysisTime:     analysisResult.AnalysisTime,
	}
	if memoryUsage != nil {
		audit.MemoryUsageMB = *memoryUsage
	}
	if err := kafka.ProduceAnalysisCompleted(audit); err != nil {
		log.Warnf("[Orchestrator] 发送分析审计消息失败: %v", err)
	}
	if o.archiver != nil {
		if err := o.archiver.Archive(context.Background(), storedName, absPath, contentType); err != nil {
			log.Warnf("[Orchestrator] 归档文件到对象存储失败: %v", err)
		}
	}

	// 阶段 9：完成事件，携带完整元数据
	timeConsumption := math.Round(time.Since(start).Seconds()*100) / 100
	completion := st.event(StatusCompleted, 1.0,
		"File upload and data quality analysis completed successfully. Your comprehensive report is ready for review.")
	completion.OriginalFilename = record.OriginalFilename
	completion.StoredFilename = storedName
	completion.FileSize = &fileSize
	completion.FilePath = absPath
	completion.TimeConsumption = &timeConsumption
	bus.Publish(completion)

	log.Infof("[Orchestrator] 上传与分析完成, 文件 ID: %d, 总耗时: %.2fs, 行数: %d, 列数: %d, 空值行: %d",
		record.ID, timeConsumption, res.TotalRows, res.TotalColumns, res.NullRows)
}
