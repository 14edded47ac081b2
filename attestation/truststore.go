package attestation

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TrustStore holds the trusted attestation roots loaded from one or more
// directories. Once any directory or certificate is configured, chain
// verification is mandatory for every attestation.
type TrustStore struct {
	dirs []string

	mu     sync.RWMutex
	pool   *x509.CertPool
	extra  []*x509.Certificate
	loaded int
}

// NewTrustStore loads every certificate file in dirs. Files ending in .pem,
// .crt, .cer or .der are read; other files are ignored.
func NewTrustStore(dirs ...string) (*TrustStore, error) {
	t := &TrustStore{}
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			t.dirs = append(t.dirs, d)
		}
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Configured reports whether chain verification is in force.
func (t *TrustStore) Configured() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirs) > 0 || len(t.extra) > 0
}

// Len returns the number of trusted roots currently loaded.
func (t *TrustStore) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loaded + len(t.extra)
}

// AddCert trusts cert in addition to the directory contents.
func (t *TrustStore) AddCert(cert *x509.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extra = append(t.extra, cert)
	t.pool.AddCert(cert)
}

// Pool returns the current root pool.
func (t *TrustStore) Pool() *x509.CertPool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pool
}

// Reload re-reads every directory and swaps the pool atomically.
func (t *TrustStore) Reload() error {
	pool := x509.NewCertPool()
	count := 0
	for _, dir := range t.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read trusted root dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			n, err := loadCertFile(pool, filepath.Join(dir, e.Name()))
			if err != nil {
				return err
			}
			count += n
		}
	}

	t.mu.Lock()
	for _, c := range t.extra {
		pool.AddCert(c)
	}
	t.pool = pool
	t.loaded = count
	t.mu.Unlock()
	return nil
}

func loadCertFile(pool *x509.CertPool, path string) (int, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pem", ".crt", ".cer", ".der":
	default:
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read trusted root %s: %w", path, err)
	}

	count := 0
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return 0, fmt.Errorf("parse trusted root %s: %w", path, err)
		}
		pool.AddCert(cert)
		count++
	}
	if count > 0 {
		return count, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return 0, fmt.Errorf("parse trusted root %s: %w", path, err)
	}
	pool.AddCert(cert)
	return 1, nil
}

// Watch reloads the store whenever a configured directory changes, until
// ctx is cancelled. Events are debounced. Reload failures are passed to
// onError and the previous pool stays in effect.
func (t *TrustStore) Watch(ctx context.Context, debounce time.Duration, onError func(error)) error {
	if len(t.dirs) == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, d := range t.dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if err := t.Reload(); err != nil && onError != nil {
					onError(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}
