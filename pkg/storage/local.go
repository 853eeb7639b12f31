// Package storage 提供上传文件的落盘存储与对象存储归档能力。
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LocalStorage 将上传内容以随机文件名平铺保存在单一目录下。
type LocalStorage struct {
	dir string
}

// NewLocalStorage 创建本地存储实例并确保目录存在。
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("解析上传目录绝对路径失败: %w", err)
	}
	return &LocalStorage{dir: abs}, nil
}

// Dir 返回存储根目录的绝对路径。
func (s *LocalStorage) Dir() string {
	return s.dir
}

// Write 生成一个 128 位随机十六进制文件名并原子地写入内容。
// 先写同目录下的临时文件再 rename，目标路径上要么出现完整文件，要么什么都没有。
func (s *LocalStorage) Write(content []byte, ext string) (storedName string, absPath string, err error) {
	storedName = fmt.Sprintf("%x%s", [16]byte(uuid.New()), ext)
	absPath = filepath.Join(s.dir, storedName)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err = os.Rename(tmpName, absPath); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("重命名临时文件失败: %w", err)
	}
	return storedName, absPath, nil
}

// Delete 删除指定路径上的文件。
func (s *LocalStorage) Delete(absPath string) error {
	return os.Remove(absPath)
}
