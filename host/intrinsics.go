// Package host implements the instance lifecycle (C7): the compartment
// that owns one shared linear memory, indirect-call table and GOT for a
// bound module, the tagged Env/Wasi/Main/Dynamic instance variant, and
// the bind()/tear_down() pair that brings a (user, function) up and back
// down per §4.6.
package host

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/herrors"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

func log() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger overrides the package-wide logger.
func SetLogger(l *zap.Logger) { logger = l }

const (
	// EnvHostModuleName is the module name a bound module's "env" shim
	// re-exports functions from; it is also the name the Env intrinsics
	// instance is instantiated under within a compartment's runtime.
	EnvHostModuleName = "env_intrinsics"
	// WasiHostModuleName is the fixed module name wazero's own WASI
	// preview-1 import table expects and the name the WASI intrinsics
	// instance is instantiated under.
	WasiHostModuleName = "wasi_snapshot_preview1"
	// MainInstanceName is the fixed module name the main instance is
	// instantiated under; the resolver's "main" fallback namespace and
	// table/GOT installs for main's own exports both assume this name.
	MainInstanceName = "main"
)

// IntrinsicsRegistrar builds and instantiates one intrinsics module within
// rt, returning the live instance the resolver's fallback chain consults.
// The intrinsic catalog itself — which host syscalls "env" exposes — is an
// external collaborator's concern; the embedder supplies it once via
// SetEnvIntrinsicsRegistrar at process startup.
type IntrinsicsRegistrar func(ctx context.Context, rt wazero.Runtime) (api.Module, error)

var (
	envRegistrarMu sync.Mutex
	envRegistrar   IntrinsicsRegistrar

	wasiRegistrarMu sync.Mutex
	wasiRegistrar   IntrinsicsRegistrar
)

// SetEnvIntrinsicsRegistrar installs the embedder's "env" host-function
// catalog. Safe to call once at startup, before any bind();
// setupEnvIntrinsics reads the registrar under the same plain mutex (no
// double-checked fast path). The env instance is not a process-wide
// singleton: each compartment's runtime gets its own from the registrar.
func SetEnvIntrinsicsRegistrar(r IntrinsicsRegistrar) {
	envRegistrarMu.Lock()
	defer envRegistrarMu.Unlock()
	envRegistrar = r
}

// SetWasiIntrinsicsRegistrar overrides the default WASI preview-1
// registrar (wazero's own wasi_snapshot_preview1 exporter).
func SetWasiIntrinsicsRegistrar(r IntrinsicsRegistrar) {
	wasiRegistrarMu.Lock()
	defer wasiRegistrarMu.Unlock()
	wasiRegistrar = r
}

func defaultEnvRegistrar(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	return rt.NewHostModuleBuilder(EnvHostModuleName).Instantiate(ctx)
}

func defaultWasiRegistrar(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(WasiHostModuleName)
	wasi_snapshot_preview1.NewFunctionExporter().ExportFunctions(builder)
	return builder.Instantiate(ctx)
}

// setupEnvIntrinsics instantiates this compartment's Env intrinsics
// instance using the embedder's registered catalog, or an empty one if
// none was registered — a bound module whose main doesn't import from
// "env" binds fine either way.
func setupEnvIntrinsics(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	envRegistrarMu.Lock()
	r := envRegistrar
	if r == nil {
		r = defaultEnvRegistrar
		envRegistrar = r
	}
	envRegistrarMu.Unlock()

	inst, err := r(ctx, rt)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseBind, herrors.KindInvalidLayout, err, "instantiating env intrinsics")
	}
	return inst, nil
}

// setupWasiIntrinsics instantiates this compartment's WASI intrinsics
// instance under the exact module name wazero's own WASI import table
// expects ("wasi_snapshot_preview1"), so that a main module's wasi
// imports resolve directly against it without a synthetic shim.
func setupWasiIntrinsics(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	wasiRegistrarMu.Lock()
	r := wasiRegistrar
	if r == nil {
		r = defaultWasiRegistrar
		wasiRegistrar = r
	}
	wasiRegistrarMu.Unlock()

	inst, err := r(ctx, rt)
	if err != nil {
		return nil, herrors.Wrap(herrors.PhaseBind, herrors.KindInvalidLayout, err, "instantiating wasi intrinsics")
	}
	return inst, nil
}
