// =============================================================================
// 文件: internal/session/handler.go
// 描述: 会话处理器 - 下载源与上传存储
// =============================================================================
package session

import (
	"fmt"
	"sync"

	"github.com/mrcgq/rdt/internal/fileio"
	"github.com/mrcgq/rdt/internal/transport"
)

// Source 可关闭的分块数据源
type Source interface {
	transport.ChunkReader
	Close() error
}

// Handler 服务端请求处理器
type Handler interface {
	// OpenDownload 打开下载请求的数据源
	OpenDownload() (Source, error)
	// StoreUpload 保存上传请求收到的完整数据
	StoreUpload(data []byte) error
}

// =============================================================================
// 内存处理器
// =============================================================================

// MemoryHandler 内存处理器
type MemoryHandler struct {
	mu       sync.Mutex
	download []byte
	uploads  [][]byte
}

// NewMemoryHandler 创建内存处理器，download 为下载内容
func NewMemoryHandler(download []byte) *MemoryHandler {
	return &MemoryHandler{download: download}
}

type bytesSource struct {
	*transport.BytesSource
}

func (bytesSource) Close() error { return nil }

// OpenDownload 实现 Handler
func (h *MemoryHandler) OpenDownload() (Source, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytesSource{transport.NewBytesSource(h.download)}, nil
}

// StoreUpload 实现 Handler
func (h *MemoryHandler) StoreUpload(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploads = append(h.uploads, data)
	return nil
}

// Uploads 已收到的上传
func (h *MemoryHandler) Uploads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.uploads))
	copy(out, h.uploads)
	return out
}

// =============================================================================
// 文件处理器
// =============================================================================

// FileHandler 文件处理器
type FileHandler struct {
	DownloadPath string
	UploadPath   string
}

// NewFileHandler 创建文件处理器
func NewFileHandler(downloadPath, uploadPath string) *FileHandler {
	return &FileHandler{DownloadPath: downloadPath, UploadPath: uploadPath}
}

// OpenDownload 实现 Handler
func (h *FileHandler) OpenDownload() (Source, error) {
	if h.DownloadPath == "" {
		return nil, fmt.Errorf("%w: 未配置下载文件", ErrHandler)
	}
	r, err := fileio.Open(h.DownloadPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandler, err)
	}
	return r, nil
}

// StoreUpload 实现 Handler
func (h *FileHandler) StoreUpload(data []byte) error {
	if h.UploadPath == "" {
		return fmt.Errorf("%w: 未配置上传文件", ErrHandler)
	}
	if err := fileio.WriteAll(h.UploadPath, data); err != nil {
		return fmt.Errorf("%w: %v", ErrHandler, err)
	}
	return nil
}
