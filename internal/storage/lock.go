package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDomainLocked reports that another writer holds the domain.
var ErrDomainLocked = errors.New("domain is locked by another writer")

const defaultLockTTL = 6 * time.Hour

// lockFile is the content of a lock file. Token identifies one acquisition.
type lockFile struct {
	PID   int    `json:"pid"`
	Token string `json:"token"`
	Time  int64  `json:"time"`
}

// DomainLock is an exclusive lock file guarding one domain's read-modify-write cycle.
// A lock whose modification time is older than its TTL is considered abandoned
// and is taken over, so a held lock touches its file every TTL/3.
type DomainLock struct {
	path  string
	token string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// AcquireDomainLock creates path exclusively. It returns ErrDomainLocked when a
// fresh lock already exists.
func AcquireDomainLock(path string, ttl time.Duration) (*DomainLock, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	token := uuid.NewString()
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			werr := json.NewEncoder(f).Encode(lockFile{PID: os.Getpid(), Token: token, Time: time.Now().Unix()})
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, werr)
			}
			lock := &DomainLock{
				path:  path,
				token: token,
				stop:  make(chan struct{}),
				done:  make(chan struct{}),
			}
			go lock.keepAlive(ttl / 3)
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		fi, err := os.Stat(path)
		if err != nil {
			// Released between our open and stat.
			continue
		}
		if time.Since(fi.ModTime()) < ttl {
			return nil, fmt.Errorf("%w: %s", ErrDomainLocked, path)
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrDomainLocked, path)
}

// keepAlive refreshes the lock file's modification time until Release.
func (l *DomainLock) keepAlive(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.owned() {
				// Taken over; never touch another writer's lock.
				return
			}
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

func (l *DomainLock) stopKeepAlive() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}

// owned reports whether the lock file still carries this acquisition's token.
func (l *DomainLock) owned() bool {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var content lockFile
	if err := json.Unmarshal(raw, &content); err != nil {
		return false
	}
	return content.Token == l.token
}

// Release removes the lock file if it is still ours. Releasing twice is a no-op.
func (l *DomainLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	l.stopKeepAlive()
	path := l.path
	owned := l.owned()
	l.path = ""
	if !owned {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
