package server

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// certReloader serves the latest key pair found on disk. The parent directories are
// watched rather than the files so atomic symlink swaps (kubernetes secrets) are seen.
type certReloader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath, done: make(chan struct{})}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, errors.New("no tls certificate loaded")
	}
	return r.cert, nil
}

func (r *certReloader) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]struct{}{filepath.Dir(r.certPath): {}, filepath.Dir(r.keyPath): {}}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return err
		}
	}
	r.watcher = w

	go func() {
		defer close(r.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.load(); err != nil {
					// a half-written pair fails until the second file lands
					zap.L().Debug("tls reload skipped", zap.String("event", ev.String()), zap.Error(err))
					continue
				}
				zap.L().Info("tls certificate reloaded", zap.String("event", ev.Name))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				zap.L().Warn("tls watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (r *certReloader) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.done
	return err
}
