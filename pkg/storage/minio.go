package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dataquality-go/internal/config"
	"dataquality-go/pkg/log"
)

// Archiver 将已分析完成的文件镜像到 MinIO 存储桶做冷备。
// 本地磁盘始终是权威副本，归档失败只记日志不影响上传流程。
type Archiver struct {
	client *minio.Client
	bucket string
}

// NewArchiver 初始化 MinIO 客户端并确保存储桶存在。
func NewArchiver(cfg config.MinIOConfig) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}

	log.Info("MinIO 归档客户端初始化成功")
	return &Archiver{client: client, bucket: cfg.BucketName}, nil
}

// objectName 统一归档对象的命名。
func (a *Archiver) objectName(storedName string) string {
	return "archive/" + storedName
}

// Archive 把本地文件内容上传为归档对象。
func (a *Archiver) Archive(ctx context.Context, storedName, absPath, contentType string) error {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("读取待归档文件失败: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, a.objectName(storedName),
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("上传归档对象失败: %w", err)
	}
	return nil
}

// Remove 删除归档对象，文件记录删除时调用。
func (a *Archiver) Remove(ctx context.Context, storedName string) error {
	return a.client.RemoveObject(ctx, a.bucket, a.objectName(storedName), minio.RemoveObjectOptions{})
}
