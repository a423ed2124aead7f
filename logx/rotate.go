package logx

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotator 按小时或按大小切日志文件，{AppName}.log 软链到当前文件
type rotator struct {
	cfg Config

	mu   sync.Mutex
	file *os.File
	size int64
	hour time.Time
}

func newRotator(cfg Config) *rotator {
	return &rotator{cfg: cfg}
}

func (w *rotator) write(now time.Time, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.due(now) {
		if err := w.openLocked(now); err != nil {
			return err
		}
	}
	n, err := w.file.Write(line)
	w.size += int64(n)
	return err
}

func (w *rotator) rotate(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openLocked(now)
}

func (w *rotator) due(now time.Time) bool {
	if w.file == nil {
		return true
	}
	if w.cfg.Rotate == RotateSize {
		return w.cfg.MaxFileSizeMB > 0 && w.size >= int64(w.cfg.MaxFileSizeMB)<<20
	}
	return !now.Truncate(time.Hour).Equal(w.hour)
}

func (w *rotator) openLocked(now time.Time) error {
	if err := os.MkdirAll(w.cfg.LogDir, 0o755); err != nil {
		return err
	}
	name := w.filename(now)
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = f
	w.size = 0
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	w.hour = now.Truncate(time.Hour)

	link := filepath.Join(w.cfg.LogDir, w.cfg.AppName+".log")
	_ = os.Remove(link)
	_ = os.Symlink(filepath.Base(name), link)

	if w.cfg.MaxBackups > 0 {
		w.prune()
	}
	return nil
}

func (w *rotator) filename(now time.Time) string {
	layout := "2006010215"
	if w.cfg.Rotate == RotateSize {
		layout = "20060102150405"
	}
	return filepath.Join(w.cfg.LogDir, w.cfg.AppName+"-"+now.Format(layout)+".log")
}

// prune 只保留最新的 MaxBackups 个文件
func (w *rotator) prune() {
	entries, err := os.ReadDir(w.cfg.LogDir)
	if err != nil {
		return
	}
	prefix := w.cfg.AppName + "-"
	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(w.cfg.LogDir, name), mod: info.ModTime()})
	}
	if len(files) <= w.cfg.MaxBackups {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	for _, f := range files[w.cfg.MaxBackups:] {
		_ = os.Remove(f.path)
	}
}

func (w *rotator) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}
