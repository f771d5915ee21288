package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"proxychain/internal/shared/logger"
)

// Watcher 监听本地来源文件的变化，在一段静默期后回调 onChange。
// 监听的是文件所在目录，这样采集器用 rename 原子替换文件时也能收到事件。
type Watcher struct {
	files    map[string]bool // 绝对路径
	debounce time.Duration
	onChange func()
	watcher  *fsnotify.Watcher
	wg       sync.WaitGroup
	broken   atomic.Bool
}

// NewWatcher 创建文件监听器，files 为空时返回 nil。
func NewWatcher(files []string, debounce time.Duration, onChange func()) (*Watcher, error) {
	if len(files) == 0 {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		files:    make(map[string]bool),
		debounce: debounce,
		onChange: onChange,
		watcher:  fw,
	}
	l := logger.WithComponent("ProxyPool/Watcher")
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			// 目录还不存在时跳过，不影响其它来源
			l.Warn().Err(err).Str("dir", dir).Msg("Cannot watch directory.")
		}
	}
	return w, nil
}

// Run 在后台处理事件，ctx 结束时关闭底层监听器。
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Wait 等待事件循环退出
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// Alive 在底层监听器意外关闭后返回错误
func (w *Watcher) Alive(context.Context) error {
	if w.broken.Load() {
		return errors.New("file watcher stopped unexpectedly")
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer w.watcher.Close()
	l := logger.WithComponent("ProxyPool/Watcher")

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.broken.Store(true)
				return
			}
			if !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			l.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Source file changed.")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			l.Info().Msg("Source files changed, triggering refresh.")
			w.onChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.broken.Store(true)
				return
			}
			l.Warn().Err(err).Msg("File watcher error.")
		}
	}
}
