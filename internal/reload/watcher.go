package reload

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/grpcmock/internal/config"
	"github.com/wudi/grpcmock/internal/logging"
)

// Watcher turns file-system events in the proto and rule directories
// into debounced reload triggers.
type Watcher struct {
	cfg      config.ReloadConfig
	protoDir string
	ruleDir  string
	trigger  func(mode string)
	log      *zap.Logger
}

// NewWatcher builds a watcher honoring the per-directory toggles.
// trigger is called after the debounce window closes.
func NewWatcher(cfg config.ReloadConfig, protoDir, ruleDir string, trigger func(mode string)) *Watcher {
	return &Watcher{
		cfg:      cfg,
		protoDir: protoDir,
		ruleDir:  ruleDir,
		trigger:  trigger,
		log:      logging.Global(),
	}
}

// Run watches until the context ends. A nil return means watching was
// disabled for both directories.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.cfg.WatchProtos && !w.cfg.WatchRules {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	w.addTargets(fw)

	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("fs event", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			// New directories need watches before their files produce
			// events.
			if ev.Op.Has(fsnotify.Create) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					fw.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
				timerCh = timer.C
			} else {
				timer.Reset(w.cfg.Debounce)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			w.trigger("watch")
			// Directory trees may have changed shape; re-add watches.
			w.addTargets(fw)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// addTargets registers the enabled directories and, for protos, every
// subdirectory.
func (w *Watcher) addTargets(fw *fsnotify.Watcher) {
	if w.cfg.WatchProtos {
		filepath.WalkDir(w.protoDir, func(path string, d os.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				fw.Add(path)
			}
			return nil
		})
	}
	if w.cfg.WatchRules {
		fw.Add(w.ruleDir)
	}
}

// relevant filters events down to proto and rule file shapes plus
// directory creation.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op.Has(fsnotify.Chmod) && ev.Op&^fsnotify.Chmod == 0 {
		return false
	}
	switch filepath.Ext(ev.Name) {
	case ".proto", ".yaml", ".yml", ".json":
		return true
	}
	st, err := os.Stat(ev.Name)
	return err == nil && st.IsDir()
}
