package balancer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BackendsFile is the YAML document read by LoadFile:
//
//	backends:
//	  - "5400"
//	  - http://10.0.0.7:5400
type BackendsFile struct {
	Backends []string `yaml:"backends"`
}

// LoadFile reads and normalizes the backends listed in path.
func LoadFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	var doc BackendsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse backends file %s: %w", path, err)
	}
	addrs, err := normalize(doc.Backends)
	if err != nil {
		return nil, fmt.Errorf("backends file %s: %w", path, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("backends file %s lists no backends", path)
	}
	return addrs, nil
}

// WatchFile loads path into the instance set and reloads it whenever the
// file changes, until ctx is cancelled. The directory is watched so that
// editors replacing the file atomically are seen. A file that fails to
// parse leaves the current set in place.
func (b *Balancer) WatchFile(ctx context.Context, path string) error {
	if err := b.reload(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch backends file: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := b.reload(path); err != nil {
				b.log.WarnContext(ctx, "balancer.file.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.log.WarnContext(ctx, "balancer.file.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (b *Balancer) reload(path string) error {
	addrs, err := LoadFile(path)
	if err != nil {
		return err
	}
	return b.SetInstances(addrs)
}
