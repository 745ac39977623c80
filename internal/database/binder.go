// Package database resolves a task's requested database label to a host
// path or connection URI, and stages file-based databases into the node's
// tasks directory so they can be bind-mounted into algorithm containers.
package database

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/log"
)

// Binding is a resolved database ready to be mounted into an algorithm
// container.
type Binding struct {
	Label string
	URI   string
	Type  string
	// IsFile is true when URI is a host filesystem path rather than a
	// connection string - the only kind that gets mounted.
	IsFile bool
}

// Binder resolves database labels against the node's configured databases.
type Binder struct {
	cfg      config.Databases
	tasksDir string
}

// New returns a Binder that stages file databases under tasksDir. A missing
// "default" database is logged as an error; the Binder is still returned.
func New(cfg config.Databases, tasksDir string) *Binder {
	if _, ok := cfg.Lookup("default"); !ok {
		log.Error("no database configured for the default label", "label", "default")
	}
	return &Binder{cfg: cfg, tasksDir: tasksDir}
}

// Resolve looks up label against the node's configured databases. When the
// node itself is running inside a container, its own filesystem paths
// aren't visible to sibling containers, so the URI must instead come from
// the {LABEL}_DATABASE_URI environment variable (uppercased label, matching
// the CLI-documented override), and file-databases are looked up under the
// scratch mount at /mnt/ rather than at the URI's bare path.
func (b *Binder) Resolve(label string) (Binding, error) {
	entry, ok := b.cfg.Lookup(label)
	if !ok {
		return Binding{}, fmt.Errorf("no database configured for label %q", label)
	}

	uri := entry.URI
	inContainer := RunningInContainer()
	if inContainer {
		envKey := strings.ToUpper(label) + "_DATABASE_URI"
		override, ok := os.LookupEnv(envKey)
		if !ok {
			return Binding{}, fmt.Errorf("database uri for label %q not set: expected environment variable %s", label, envKey)
		}
		uri = override
	}

	var isFile bool
	if inContainer {
		mountPath := filepath.Join("/mnt", uri)
		if fileExists(mountPath) {
			isFile = true
			uri = mountPath
		}
	} else {
		isFile = fileExists(uri)
	}

	log.Debug("resolved database", "label", label, "uri", uri, "is_file", isFile)
	return Binding{Label: label, URI: uri, Type: entry.Type, IsFile: isFile}, nil
}

// StageFile copies a file-database into the node's tasks directory so every
// task mounts the same in-tasks-dir copy rather than the original path,
// matching the original's _set_database behavior: the copy happens once,
// not per task.
func (b *Binder) StageFile(binding Binding) (string, error) {
	if !binding.IsFile {
		return binding.URI, nil
	}

	dest := filepath.Join(b.tasksDir, filepath.Base(binding.URI))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(b.tasksDir, 0755); err != nil {
		return "", fmt.Errorf("creating tasks dir: %w", err)
	}
	if err := copyFile(binding.URI, dest); err != nil {
		return "", fmt.Errorf("staging database %s: %w", binding.Label, err)
	}
	return dest, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// RunningInContainer reports whether the node itself is running inside a
// Docker container, which changes how database URIs resolve (the node's own
// filesystem paths aren't visible to sibling containers). It is a variable,
// not a plain function, so tests can simulate running in a container
// without needing an actual /.dockerenv file.
var RunningInContainer = func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
}
