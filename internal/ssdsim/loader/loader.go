// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package loader resolves the modules named by the LoadModule command. The
// simulator does not load foreign code, modules are registered in-process by
// name and loading one runs its init hook once.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/ssdsim/internal/ssdsim/protocol"
)

// Name of the built-in striping FTL.
const SimpleFtl = "SimpleFtl"

var (
	ErrUnknownModule = errors.New("unknown module")
	ErrInvalidName   = errors.New("invalid module name")
)

// Loader is what the dispatcher calls for LoadModule.
type Loader interface {
	Load(ctx context.Context, name string) error
}

// Init is run when a module is loaded for the first time.
type Init func(ctx context.Context) error

type Registry struct {
	lock    sync.Mutex
	modules map[string]Init
	loaded  map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Init),
		loaded:  make(map[string]struct{}),
	}
}

// NewDefault returns registry with the built-in modules.
func NewDefault() *Registry {
	r := NewRegistry()
	r.Register(SimpleFtl, nil)

	return r
}

// Register makes module available under name. A nil init is allowed.
func (r *Registry) Register(name string, init Init) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.modules[normalize(name)] = init
}

// Load runs the init hook of the named module unless it is loaded already.
// File extensions are ignored, "SimpleFtl.dll" loads "SimpleFtl".
func (r *Registry) Load(ctx context.Context, name string) error {
	if name == "" || len(name) > protocol.MaxModuleNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	module := normalize(name)

	r.lock.Lock()
	defer r.lock.Unlock()

	init, ok := r.modules[module]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, module)
	}

	if _, ok := r.loaded[module]; ok {
		log.Debug().Str("module", module).Msg("Module already loaded.")
		return nil
	}

	if init != nil {
		if err := init(ctx); err != nil {
			return fmt.Errorf("module %s: %w", module, err)
		}
	}

	r.loaded[module] = struct{}{}
	log.Info().Str("module", module).Msg("Module loaded.")

	return nil
}

// Loaded returns sorted names of loaded modules.
func (r *Registry) Loaded() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.loaded))
	for n := range r.loaded {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

func normalize(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
