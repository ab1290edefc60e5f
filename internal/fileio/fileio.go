// =============================================================================
// 文件: internal/fileio/fileio.go
// 描述: 文件分块读取与整体写入
// =============================================================================
package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Reader 分块文件读取器
type Reader struct {
	f    *os.File
	read int64
}

// Open 打开文件用于分块读取
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	return &Reader{f: f}, nil
}

// ReadChunk 读取至多 max 字节，文件结束时返回空切片
func (r *Reader) ReadChunk(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(r.f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	r.read += int64(n)
	return buf[:n], nil
}

// BytesRead 已读取的字节数
func (r *Reader) BytesRead() int64 {
	return r.read
}

// Close 关闭文件
func (r *Reader) Close() error {
	return r.f.Close()
}

// WriteAll 原子写入整个文件 (先写临时文件再重命名)
func WriteAll(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("写入文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("写入文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("重命名文件失败: %w", err)
	}
	return nil
}
