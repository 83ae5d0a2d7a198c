// Package exec implements the execution driver (C8) and thread execution
// (C9): invoking a bound module's entrypoints, catching runtime traps and
// exit signals under the two-handler discipline, and dispatching OpenMP
// work either locally or onto freshly carved per-thread stacks.
package exec

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/host"
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

// SetLogger overrides the package-wide logger; call before first use.
func SetLogger(l *zap.Logger) { logger = l }

// Message carries execute()'s inputs, per §6's external-interface field
// list.
type Message struct {
	User, Function string
	InputData      []byte
	FuncPtr        int32

	OMPDepth           int32
	OMPEffDepth        int32
	OMPMaxActiveLevels int32
	OMPNumThreads      int32
	OMPThreadNum       int32
	OMPFunctionArgs    []int32
}

// Result is execute()'s output: the success flag and return_value pair
// the two-handler discipline in §4.7 collapses traps, exit signals and
// normal returns into.
type Result struct {
	Success     bool
	ReturnValue int32
}

// Execute implements §4.7's execute(msg) -> success_bool.
func Execute(ctx context.Context, bm *host.BoundModule, msg Message) (Result, error) {
	if !bm.IsBound() {
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindUnbound, "execute called on an unbound module")
	}
	if bm.User() != msg.User || bm.Function() != msg.Function {
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindFuncMismatch, "execute for %s/%s does not match bound module %s/%s", msg.User, msg.Function, bm.User(), bm.Function())
	}

	omp := PrepareContext(bm.Config(), msg)
	if msg.OMPDepth > 0 {
		return ExecuteRemoteOMP(ctx, bm, msg, omp)
	}

	if msg.FuncPtr > 0 {
		return executeFuncPtr(ctx, bm, msg)
	}
	return executeMainEntrypoint(ctx, bm, msg)
}

// executeFuncPtr resolves msg.FuncPtr via the shared indirect table and
// invokes it under the parameter-shape rules §4.7 names: 0 params, 1 i32
// param, or a fatal arity mismatch.
func executeFuncPtr(ctx context.Context, bm *host.BoundModule, msg Message) (Result, error) {
	fn, paramTypes, _, ok := bm.Compartment().Table.Get(uint32(msg.FuncPtr))
	if !ok {
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindInvalidArgument, "func_ptr %d is not installed in the indirect table", msg.FuncPtr)
	}

	switch len(paramTypes) {
	case 0:
		return invoke(ctx, fn), nil
	case 1:
		arg, err := parseSingleArg(msg.InputData)
		if err != nil {
			return Result{}, err
		}
		return invoke(ctx, fn, api.EncodeI32(arg)), nil
	default:
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindBadArity, "func_ptr %d has unsupported arity %d", msg.FuncPtr, len(paramTypes))
	}
}

// parseSingleArg implements §4.7's single-i32-parameter convention: empty
// input is 0, otherwise the input is parsed as a signed decimal integer.
// Per §9's open question, a non-decimal input is rejected rather than
// given undefined behaviour.
func parseSingleArg(input []byte) (int32, error) {
	if len(input) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(input), 10, 32)
	if err != nil {
		return 0, herrors.Wrap(herrors.PhaseExecute, herrors.KindInvalidArgument, err, "input %q is not a valid decimal integer", input)
	}
	return int32(v), nil
}

// executeMainEntrypoint lays out an argv/envp buffer per §4.7's
// convention, then calls the main instance's "_start" export with an
// empty signature.
func executeMainEntrypoint(ctx context.Context, bm *host.BoundModule, msg Message) (Result, error) {
	start := bm.MainInstance().Module.ExportedFunction("_start")
	if start == nil {
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindInvalidArgument, "main module has no _start export")
	}

	// The buffer below is write-only as far as this host is concerned: wazero's
	// own WASI args_get reads argv from ModuleConfig.WithArgs, which nothing
	// here sets, so a guest that calls args_get sees an empty argv regardless.
	// It is still written because §4.7 names the layout as part of the call
	// contract, for whichever external syscall layer eventually reads it.
	argv := []string{msg.Function}
	if len(msg.InputData) > 0 {
		argv = append(argv, string(msg.InputData))
	}
	if _, err := writeCStringArray(bm.Compartment().Memory, argv); err != nil {
		return Result{}, herrors.Wrap(herrors.PhaseExecute, herrors.KindInvalidArgument, err, "writing argv buffer")
	}

	return invoke(ctx, start), nil
}

// invoke wraps a single api.Function.Call under §4.7's two nested
// handlers: a Wasm-originated exit signal (wazero's sys.ExitError, raised
// by CloseWithExitCode/proc_exit) is distinguished from every other
// runtime trap, which is logged and reported as success=false,
// return_value=1.
func invoke(ctx context.Context, fn api.Function, args ...uint64) Result {
	results, err := fn.Call(ctx, args...)
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			code := int32(exitErr.ExitCode())
			return Result{Success: code == 0, ReturnValue: code}
		}
		log().Warn("wasm trap", zap.Error(err))
		return Result{Success: false, ReturnValue: 1}
	}
	if len(results) == 0 {
		return Result{Success: true, ReturnValue: 0}
	}
	return Result{Success: true, ReturnValue: int32(uint32(results[0]))}
}
