package database

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// SubscribeInserts watches the database files for writes and calls fn
// whenever the highest article id advances. A periodic poll covers writers
// on filesystems that do not deliver change events.
func (db *DB) SubscribeInserts(ctx context.Context, fn func()) (Subscription, error) {
	last, err := db.maxID(ctx)
	if err != nil {
		return nil, err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(db.path))
	}
	if err != nil {
		db.logger.Warn("file watch unavailable, polling only", zap.Error(err))
		if watcher != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		events, errs = watcher.Events, watcher.Errors
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(db.pollInterval)
		defer ticker.Stop()

		check := func() {
			id, err := db.maxID(ctx)
			if err != nil {
				if ctx.Err() == nil {
					db.logger.Debug("insert check failed", zap.Error(err))
				}
				return
			}
			if id > last {
				last = id
				fn()
			}
		}

		base := filepath.Base(db.path)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if strings.HasPrefix(filepath.Base(ev.Name), base) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					check()
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				db.logger.Warn("file watch error", zap.Error(err))
			}
		}
	}()

	return sub, nil
}
