package policy

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the rules file whenever it changes. Blocking; run in a
// goroutine. A reload that fails keeps the previous rule set.
func (e *Engine) Watch(filePath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ [POLICY] Failed to create file watcher: %v", err)
		return
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️ [POLICY] Failed to resolve %s: %v", filePath, err)
		return
	}

	// Watch the directory containing the file (more reliable than watching
	// the file directly; editors replace files on save).
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️ [POLICY] Failed to watch %s: %v", dir, err)
		return
	}

	log.Printf("👁️ [POLICY] Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce rapid consecutive writes into one reload
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := e.LoadFile(absPath); err != nil {
						log.Printf("❌ [POLICY] Reload failed, keeping previous rules: %v", err)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ [POLICY] File watcher error: %v", err)
		}
	}
}
