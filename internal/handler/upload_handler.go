// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dataquality-go/internal/config"
	"dataquality-go/internal/pipeline"
	"dataquality-go/pkg/log"
)

// UploadHandler 负责带 SSE 进度流的上传-分析请求。
type UploadHandler struct {
	orchestrator    *pipeline.Orchestrator
	maxFileSize     int64
	defaultInterval float64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(orch *pipeline.Orchestrator, uploadCfg config.UploadConfig, analysisCfg config.AnalysisConfig) *UploadHandler {
	return &UploadHandler{
		orchestrator:    orch,
		maxFileSize:     uploadCfg.MaxFileSize,
		defaultInterval: analysisCfg.DefaultUpdateInterval,
	}
}

// UploadWithSSE 处理 POST /api/files/upload-sse。
//
// 文件名、扩展名与大小在流开始之前校验，失败直接返回 400；
// 流一旦开始，后续所有失败都以 status="error" 的 SSE 帧收尾，
// 响应本身保持 200。每条事件一帧：`data: <json>\n\n`，逐帧 flush。
func (h *UploadHandler) UploadWithSSE(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No file provided"})
		return
	}

	interval := h.defaultInterval
	if raw := c.Query("update_interval"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0.1 || v > 5.0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "update_interval must be a number between 0.1 and 5.0"})
			return
		}
		interval = v
	}

	// 流开始前的预检：此后的一切失败都只能通过 error 事件上报
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

	log.Infof("[UploadHandler] 收到上传请求: %s (%d 字节), update_interval=%.2fs",
		fileHeader.Filename, fileHeader.Size, interval)

	bus := pipeline.NewEventBus(pipeline.DefaultBusCapacity)
	input := pipeline.UploadInput{
		Filename:       fileHeader.Filename,
		ContentType:    fileHeader.Header.Get("Content-Type"),
		Open:           func() (io.ReadCloser, error) { return fileHeader.Open() },
		UpdateInterval: time.Duration(interval * float64(time.Second)),
	}
	go h.orchestrator.Run(c.Request.Context(), input, bus)

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	reqCtx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		ev, ok := bus.Consume(reqCtx)
		if !ok {
			return false
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error("[UploadHandler] 序列化 SSE 事件失败", err)
			return false
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		return true
	})

	// 正常结束或客户端断开都走到这里；关闭总线让编排器观察到消费端离开
	bus.Close()
}
