package notebook

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultScratchTTL           = 2 * time.Hour
	DefaultScratchSweepInterval = 30 * time.Minute
)

// Scratch holds uploaded audio on disk only while a gateway call is in
// flight. Audio is never written to the database; once the worker finishes it
// removes the file, and the sweeper catches anything a crashed worker left
// behind.
type Scratch struct {
	dir string
}

// NewScratch creates the scratch directory if needed.
func NewScratch(dir string) (*Scratch, error) {
	if dir == "" {
		dir = "./data/scratch"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Scratch{dir: dir}, nil
}

// Save writes the audio stream to a file keyed by session id and returns its path.
func (sc *Scratch) Save(sessionID, ext string, r io.Reader) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("session id required")
	}
	if ext == "" {
		ext = ".bin"
	}
	path := filepath.Join(sc.dir, sessionID+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close scratch file: %w", err)
	}
	return path, nil
}

// Remove deletes a scratch file, best effort.
func (sc *Scratch) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("remove scratch file %s failed: %v", path, err)
	}
}

// StartSweeper periodically deletes scratch files older than ttl.
func (sc *Scratch) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultScratchSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultScratchTTL
	}
	go sc.sweepLoop(ctx, interval, ttl)
}

func (sc *Scratch) sweepLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.sweepExpired(ttl); err != nil {
				log.Printf("sweep scratch files error: %v", err)
			}
		}
	}
}

func (sc *Scratch) sweepExpired(ttl time.Duration) error {
	entries, err := os.ReadDir(sc.dir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			sc.Remove(filepath.Join(sc.dir, entry.Name()))
		}
	}
	return nil
}
