package coord

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/npiesco/absurder-sql-sub002/internal/logging"
)

// messageTTL bounds how long published message files stay on disk; every
// publisher sweeps expired files as it writes.
const messageTTL = time.Minute

// FSChannel is the cross-process broadcast channel: one JSON file per
// message under <coord>/channel/<db>/, watched with fsnotify. Local
// subscribers are fed directly and the file event deduplicated by id.
type FSChannel struct {
	dir string
	d   *dispatcher

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	mu     sync.Mutex
	seen   map[string]time.Time
	closed bool
}

// NewFSChannel opens the channel directory for db under the registry's
// coordination dir and starts the watcher.
func NewFSChannel(coordDir, db string) (*FSChannel, error) {
	dir := filepath.Join(coordDir, "channel", db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create channel watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch channel dir: %w", err)
	}
	c := &FSChannel{
		dir:     dir,
		d:       newDispatcher(),
		watcher: watcher,
		seen:    make(map[string]time.Time),
	}
	c.wg.Add(1)
	go c.watchLoop()
	return c, nil
}

func (c *FSChannel) watchLoop() {
	defer c.wg.Done()
	log := logging.WithComponent("coord.channel")
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			c.deliverFile(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("channel watcher error")
		}
	}
}

func (c *FSChannel) deliverFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !c.markSeen(msg.ID) {
		return
	}
	c.d.dispatch(msg)
}

// markSeen records a message id, returning false when it was already seen
// (a local publish echoed back through the watcher). Old ids are pruned as
// a side effect.
func (c *FSChannel) markSeen(id string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = now
	for k, t := range c.seen {
		if now.Sub(t) > messageTTL {
			delete(c.seen, k)
		}
	}
	return true
}

// Publish writes the message file for other processes and feeds local
// subscribers directly.
func (c *FSChannel) Publish(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("publish on closed channel")
	}
	c.markSeen(msg.ID)
	c.d.dispatch(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	tmp := filepath.Join(c.dir, "."+msg.ID+".tmp")
	final := filepath.Join(c.dir, fmt.Sprintf("%d_%s.json", msg.TimestampMS, msg.ID))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install message: %w", err)
	}
	c.sweep()
	return nil
}

// sweep removes expired message files. Best effort: a racing remove by a
// peer publisher is fine.
func (c *FSChannel) sweep() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-messageTTL)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
}

// Subscribe registers fn; the returned cancel removes it.
func (c *FSChannel) Subscribe(fn func(Message)) func() {
	return c.d.subscribe(fn)
}

// Close stops the watcher and dispatcher.
func (c *FSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.watcher.Close()
	c.wg.Wait()
	c.d.close()
	return err
}
