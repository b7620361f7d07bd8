package jsondoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/model"
)

// Factory creates documents for one compiled space. A Factory value never
// changes; a new space version is a new Factory.
type Factory struct {
	space *Space
	hash  uint64
}

var _ engine.Factory = (*Factory)(nil)

// Create implements engine.Factory.
func (f *Factory) Create(monitor engine.DocumentMonitor) (engine.LivingDocument, error) {
	return NewDocument(f.space, monitor), nil
}

// Space returns the compiled space.
func (f *Factory) Space() *Space {
	return f.space
}

// Version identifies the space source the factory was compiled from.
func (f *Factory) Version() string {
	return fmt.Sprintf("%016x", f.hash)
}

// Resolver compiles space files on first use and caches them.
//
// Thread-safety: all methods are safe for concurrent use.
type Resolver struct {
	dir string

	mu        sync.Mutex
	factories map[string]*Factory
}

var _ engine.FactoryResolver = (*Resolver)(nil)

// NewResolver reads spaces from dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir, factories: make(map[string]*Factory)}
}

// Dir returns the spaces directory.
func (r *Resolver) Dir() string {
	return r.dir
}

// Fetch implements engine.FactoryResolver.
func (r *Resolver) Fetch(ctx context.Context, key model.Key) (engine.Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.factories[key.Namespace]; ok {
		return f, nil
	}
	f, err := r.compile(key.Namespace)
	if err != nil {
		return nil, model.KeyError(model.ErrFactoryFetchFailed, key, err)
	}
	r.factories[key.Namespace] = f
	return f, nil
}

func (r *Resolver) path(namespace string) string {
	return filepath.Join(r.dir, namespace+".cue")
}

func (r *Resolver) compile(namespace string) (*Factory, error) {
	path := r.path(namespace)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read space %s: %w", namespace, err)
	}
	return compileFactory(namespace, src, path)
}

func compileFactory(namespace string, src []byte, path string) (*Factory, error) {
	space, err := CompileSpace(namespace, src, path)
	if err != nil {
		return nil, err
	}
	return &Factory{space: space, hash: xxhash.Sum64(src)}, nil
}

// Reload recompiles every cached space whose file changed and returns the
// namespaces that now have a new Factory. A space that fails to compile
// keeps its previous Factory and is reported in the error.
func (r *Resolver) Reload() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	var errs []error
	for namespace, current := range r.factories {
		path := r.path(namespace)
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read space %s: %w", namespace, err))
			continue
		}
		if xxhash.Sum64(src) == current.hash {
			continue
		}
		f, err := compileFactory(namespace, src, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("space %s: %w", namespace, err))
			continue
		}
		r.factories[namespace] = f
		changed = append(changed, namespace)
		slog.Info("space reloaded", "space", namespace, "version", f.Version())
	}
	sort.Strings(changed)
	return changed, errors.Join(errs...)
}

// LoadDir compiles every space file in dir, collecting all errors.
func LoadDir(dir string) ([]*Space, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read spaces directory: %w", err)
	}
	var spaces []*Space
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".cue") {
			continue
		}
		path := filepath.Join(dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		space, err := CompileSpace(strings.TrimSuffix(name, ".cue"), src, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		spaces = append(spaces, space)
	}
	if len(spaces) == 0 && len(errs) == 0 {
		return nil, fmt.Errorf("no space files found in %s", dir)
	}
	return spaces, errors.Join(errs...)
}
