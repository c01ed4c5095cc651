package main

import (
	"context"
	"log"

	"github.com/weaveboard/synckit/internal/config"
)

// startConfigWatcher wires the fsnotify-backed config watcher into the
// daemon's log stream.
func startConfigWatcher(ctx context.Context, logger *log.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-watcher.Configs():
				if !ok {
					return
				}
				logger.Printf("config file changed (queue soft capacity now %d); restart to apply", cfg.Queue.SoftCapacity)
			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				logger.Printf("Warning: config reload failed: %v", err)
			}
		}
	}()
	return watcher, nil
}
