// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"dataquality-go/pkg/log"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 上传请求的 multipart 体和 SSE 响应体都可能很大，这里只记录元信息不抓取 body。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"responseSize", c.Writer.Size(),
		)
	}
}
