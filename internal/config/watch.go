// =============================================================================
// 文件: internal/config/watch.go
// 描述: 配置热加载 - 监听配置文件变化并回调新配置
// =============================================================================
package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch 监听配置文件，文件变化且新配置有效时调用 fn，直到 ctx 结束
// 监听所在目录，编辑器以重命名方式保存时同样生效
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("解析配置路径失败: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("监听目录 %s 失败: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("[Config] 重新加载失败，保留原配置")
				continue
			}
			log.Info().Str("path", abs).Stringer("fault", cfg.Fault).Msg("[Config] 配置已重新加载")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("[Config] 文件监听错误")
		}
	}
}
