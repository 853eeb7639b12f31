// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"dataquality-go/internal/config"
	"dataquality-go/internal/handler"
	"dataquality-go/internal/middleware"
	"dataquality-go/internal/model"
	"dataquality-go/internal/pipeline"
	"dataquality-go/internal/repository"
	"dataquality-go/internal/service"
	"dataquality-go/pkg/database"
	"dataquality-go/pkg/kafka"
	"dataquality-go/pkg/log"
	"dataquality-go/pkg/storage"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与可选的外部组件
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.FileRecord{}); err != nil {
		log.Fatal("数据库迁移失败", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	kafka.InitProducer(cfg.Kafka)

	var archiver *storage.Archiver
	if cfg.MinIO.Enabled {
		var err error
		archiver, err = storage.NewArchiver(cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 归档初始化失败", err)
		}
	} else {
		log.Info("MinIO 未启用，对象存储归档已关闭")
	}

	// 4. 初始化本地存储
	localStore, err := storage.NewLocalStorage(cfg.Upload.Folder)
	if err != nil {
		log.Fatal("初始化上传目录失败", err)
	}
	log.Infof("上传目录: %s", localStore.Dir())

	// 5. 初始化 Repository / Service / Pipeline (依赖注入)
	fileRepo := repository.NewFileRepository(database.DB, database.RDB)
	fileService := service.NewFileService(fileRepo, localStore, archiver, cfg.Upload.MaxFileSize)
	orchestrator := pipeline.NewOrchestrator(fileRepo, localStore, archiver, cfg.Upload, cfg.Analysis)

	fileHandler := handler.NewFileHandler(fileService, cfg.Upload.MaxFileSize)
	uploadHandler := handler.NewUploadHandler(orchestrator, cfg.Upload, cfg.Analysis)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.CORS(cfg.Upload.AllowedOrigins), gin.Recovery())

	// 7. 注册路由
	files := r.Group("/api/files")
	{
		files.POST("/upload-sse", uploadHandler.UploadWithSSE)
		files.POST("/upload", fileHandler.Upload)
		files.GET("/", fileHandler.List)
		files.GET("/:id", fileHandler.GetByID)
		files.GET("/:id/preview", fileHandler.Preview)
		files.GET("/reference/:ref/report", fileHandler.GetReportByReference)
		files.DELETE("/:id", fileHandler.Delete)
	}

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
