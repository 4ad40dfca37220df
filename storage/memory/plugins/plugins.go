// Package plugins lets a consumer pick a storage medium by name
package plugins

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrife/polls/storage/memory"
	"github.com/jrife/polls/storage/memory/bbolt"
	"github.com/jrife/polls/storage/memory/mmap"
	"github.com/jrife/polls/utils/uuid"
)

const (
	// MmapDriverName selects a memory mapped file
	MmapDriverName = "mmap"
	// BBoltDriverName selects a bbolt database
	BBoltDriverName = "bbolt"
	// VectorDriverName selects an in-process vector
	VectorDriverName = "vector"
)

// Options are driver specific settings
type Options map[string]interface{}

// Plugin represents a storage medium driver
type Plugin interface {
	// Name returns the name of the driver
	Name() string
	// Open returns a backend configured with options
	Open(options Options) (memory.Backend, error)
	// OpenTemp returns a backend initialized with some
	// sane defaults. It is meant for tests that need a
	// backend without knowing how to configure it.
	OpenTemp() (memory.Backend, error)
}

var plugins = []Plugin{
	&mmapPlugin{},
	&bboltPlugin{},
	&vectorPlugin{},
}

// Lookup returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found.
func Lookup(name string) Plugin {
	for _, plugin := range plugins {
		if plugin.Name() == name {
			return plugin
		}
	}

	return nil
}

// Plugins lists all the plugins that are available
func Plugins() []Plugin {
	return plugins
}

// Open opens a backend with the named driver
func Open(name string, options Options) (memory.Backend, error) {
	plugin := Lookup(name)

	if plugin == nil {
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}

	return plugin.Open(options)
}

func path(options Options) (string, error) {
	if path, ok := options["path"]; !ok {
		return "", fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return "", fmt.Errorf("\"path\" must be a string")
	} else {
		return pathString, nil
	}
}

func maxPages(options Options) (uint64, error) {
	raw, ok := options["max_pages"]

	if !ok {
		return 0, nil
	}

	switch v := raw.(type) {
	case uint64:
		return v, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("\"max_pages\" must not be negative")
		}

		return uint64(v), nil
	}

	return 0, fmt.Errorf("\"max_pages\" must be an integer")
}

func tempPath(driver string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s", driver, uuid.MustUUID()))
}

type mmapPlugin struct {
}

func (plugin *mmapPlugin) Name() string {
	return MmapDriverName
}

func (plugin *mmapPlugin) Open(options Options) (memory.Backend, error) {
	var config mmap.FileConfig
	var err error

	if config.Path, err = path(options); err != nil {
		return nil, err
	}

	if config.MaxPages, err = maxPages(options); err != nil {
		return nil, err
	}

	return mmap.Open(config)
}

func (plugin *mmapPlugin) OpenTemp() (memory.Backend, error) {
	return plugin.Open(Options{"path": tempPath(MmapDriverName)})
}

type bboltPlugin struct {
}

func (plugin *bboltPlugin) Name() string {
	return BBoltDriverName
}

func (plugin *bboltPlugin) Open(options Options) (memory.Backend, error) {
	var config bbolt.StoreConfig
	var err error

	if config.Path, err = path(options); err != nil {
		return nil, err
	}

	if config.MaxPages, err = maxPages(options); err != nil {
		return nil, err
	}

	return bbolt.Open(config)
}

func (plugin *bboltPlugin) OpenTemp() (memory.Backend, error) {
	return plugin.Open(Options{"path": tempPath(BBoltDriverName)})
}

type vectorPlugin struct {
}

func (plugin *vectorPlugin) Name() string {
	return VectorDriverName
}

func (plugin *vectorPlugin) Open(options Options) (memory.Backend, error) {
	pages, err := maxPages(options)

	if err != nil {
		return nil, err
	}

	return memory.NewVector(pages), nil
}

func (plugin *vectorPlugin) OpenTemp() (memory.Backend, error) {
	return plugin.Open(Options{})
}
