package keyboard

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// InputDir is where the evdev device nodes live.
const InputDir = "/dev/input"

// Reopener is a device that can be asked to open itself again.
type Reopener interface {
	Reopen()
}

// WatchHotplug tells all devices to reopen whenever a new event device appears in dir,
// until ctx is done.
func WatchHotplug(ctx context.Context, dir string, devices ...Reopener) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Debugf("Hotplug: watching %s", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDeviceAdded(event) {
				continue
			}
			log.Debugf("Hotplug: %s appeared", event.Name)
			for _, device := range devices {
				device.Reopen()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Hotplug: %v", err)
		}
	}
}

func isDeviceAdded(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), "event")
}
