package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"dataquality-go/internal/service"
	"dataquality-go/pkg/log"
)

// FileHandler 负责文件元数据的 CRUD 请求。
type FileHandler struct {
	fileService service.FileService
	maxFileSize int64
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(fileService service.FileService, maxFileSize int64) *FileHandler {
	return &FileHandler{fileService: fileService, maxFileSize: maxFileSize}
}

// parseID 解析路径中的数字主键。
func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid file ID"})
		return 0, false
	}
	return id, true
}

// Upload 处理 POST /api/files/upload：不带分析的普通上传。
func (h *FileHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No file provided"})
		return
	}
	if fileHeader.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Filename is required"})
		return
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if ext != ".csv" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("Only CSV files are allowed. Received: %s", ext)})
		return
	}
	if fileHeader.Size > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "File too large"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to read uploaded file"})
		return
	}
	content, err := io.ReadAll(src)
	_ = src.Close()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to read uploaded file"})
		return
	}
	if int64(len(content)) > h.maxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "File too large"})
		return
	}

	record, err := h.fileService.Upload(fileHeader.Filename, fileHeader.Header.Get("Content-Type"), content)
	if err != nil {
		log.Error("Upload: 上传处理失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to store file"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           "File uploaded successfully",
		"file_id":           record.ID,
		"original_filename": record.OriginalFilename,
		"stored_filename":   record.StoredFilename,
		"file_size":         record.FileSize,
		"file_path":         record.FilePath,
	})
}

// List 处理 GET /api/files/：分页列表，可按原始文件名子串过滤。
func (h *FileHandler) List(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "page must be an integer >= 1"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be an integer between 1 and 100"})
		return
	}
	search := c.Query("search")

	records, total, err := h.fileService.List(page, limit, search)
	if err != nil {
		log.Error("List: 查询文件列表失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list files"})
		return
	}

	totalPages := int64(0)
	if total > 0 {
		totalPages = (total + int64(limit) - 1) / int64(limit)
	}
	c.JSON(http.StatusOK, gin.H{
		"files":       records,
		"total":       total,
		"page":        page,
		"limit":       limit,
		"total_pages": totalPages,
	})
}

// GetByID 处理 GET /api/files/:id：返回完整记录。
func (h *FileHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	record, err := h.fileService.GetByID(id)
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("File with ID %d not found", id)})
			return
		}
		log.Error("GetByID: 查询文件失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to fetch file"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetReportByReference 处理 GET /api/files/reference/:ref/report。
// 同一记录的重复请求返回字节一致的 JSON（命中缓存时原样透传）。
func (h *FileHandler) GetReportByReference(c *gin.Context) {
	ref := c.Param("ref")

	payload, err := h.fileService.GetReportByReference(c.Request.Context(), ref)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrFileNotFound):
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("File with reference '%s' not found", ref)})
		case errors.Is(err, service.ErrNotAnalyzed):
			c.JSON(http.StatusBadRequest, gin.H{"detail": "File has not been analyzed yet. Please upload the file with analysis enabled."})
		default:
			log.Error("GetReportByReference: 生成报告失败", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to build report"})
		}
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

// Preview 处理 GET /api/files/:id/preview：返回前 N 个数据行。
func (h *FileHandler) Preview(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be an integer between 1 and 1000"})
		return
	}

	preview, err := h.fileService.Preview(id, limit)
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("File with ID %d not found", id)})
			return
		}
		log.Error("Preview: 读取预览失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to preview file"})
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Delete 处理 DELETE /api/files/:id：先删行，再删磁盘文件。
func (h *FileHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	record, err := h.fileService.Delete(id)
	if err != nil {
		if errors.Is(err, service.ErrFileNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("File with ID %d not found", id)})
			return
		}
		log.Error("Delete: 删除文件失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to delete file"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           "File deleted successfully",
		"file_id":           record.ID,
		"original_filename": record.OriginalFilename,
		"stored_filename":   record.StoredFilename,
	})
}
