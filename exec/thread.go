package exec

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/faasm/wasmhost/herrors"
	"github.com/faasm/wasmhost/host"
)

// stackPointerGlobalName is the wasm-ld/wasi-sdk reserved export name for
// a module's mutable global 0, the same convention the heap/data-end
// sanity check in host.BoundModule.Bind already relies on.
const stackPointerGlobalName = "__stack_pointer"

// ThreadSpec carries execute_thread(spec)'s inputs.
type ThreadSpec struct {
	FuncPtr uint32
	Args    []uint64
}

// ExecuteThread implements §4.8's execute_thread(spec): carve a
// THREAD_STACK_SIZE stack from the shared linear memory, spin up an
// independent execution context, overwrite its stack pointer, and invoke
// under the same two-handler discipline as §4.7.
func ExecuteThread(ctx context.Context, bm *host.BoundModule, spec ThreadSpec) (Result, error) {
	cfg := bm.Config()
	stackBase, err := bm.Compartment().Memory.MapBytes(cfg.ThreadStackSize)
	if err != nil {
		return Result{}, herrors.Wrap(herrors.PhaseMemory, herrors.KindOutOfMemory, err, "carving thread stack")
	}

	threadCtx, err := bm.SpawnThreadInstance(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = threadCtx.Close(ctx) }()

	if err := overwriteStackPointer(threadCtx, bm.DeclaredStackSize(), stackBase, cfg.ThreadStackSize); err != nil {
		return Result{}, err
	}

	// Table entries were installed either by main's own active element
	// segments at its instantiation or, for dynamic modules and GOT.func
	// appends, via a one-shot patch module — the live api.Function
	// reference the table manager hands back is independent of threadCtx.
	// Only the stack-pointer global
	// above needed the separate context; dispatch itself goes through
	// the shared table regardless of which instance is "running".
	fn, _, _, ok := bm.Compartment().Table.Get(spec.FuncPtr)
	if !ok {
		return Result{}, herrors.New(herrors.PhaseExecute, herrors.KindInvalidArgument, "thread func_ptr %d is not installed in the indirect table", spec.FuncPtr)
	}

	return invoke(ctx, fn, spec.Args...), nil
}

// overwriteStackPointer implements §4.8 step 2: verify the thread
// context's stack-pointer global still holds the module's declared
// STACK_SIZE constant, then overwrite it with stack_base +
// THREAD_STACK_SIZE - 1.
func overwriteStackPointer(threadCtx api.Module, declaredStackSize int32, stackBase, stackSize uint32) error {
	g := threadCtx.ExportedGlobal(stackPointerGlobalName)
	if g == nil {
		return herrors.New(herrors.PhaseExecute, herrors.KindInvalidLayout, "thread context has no %s export", stackPointerGlobalName)
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return herrors.New(herrors.PhaseExecute, herrors.KindInvalidLayout, "%s export is not mutable", stackPointerGlobalName)
	}
	current := int32(uint32(g.Get()))
	if current != declaredStackSize {
		return herrors.New(herrors.PhaseExecute, herrors.KindInvalidLayout, "expected first mutable global to be the stack pointer holding %d, got %d", declaredStackSize, current)
	}
	mg.Set(uint64(uint32(stackBase + stackSize - 1)))
	return nil
}

// ExecuteRemoteOMP implements §4.7's execute_remote_omp(msg): resolve the
// indirect function, build the invocation argument vector as
// [thread_num, argc, args...] with args taken in reverse order from
// msg.OMPFunctionArgs, then run it on a freshly allocated thread stack.
func ExecuteRemoteOMP(ctx context.Context, bm *host.BoundModule, msg Message, omp *OMPContext) (Result, error) {
	args := make([]uint64, 0, 2+len(msg.OMPFunctionArgs))
	args = append(args, api.EncodeI32(omp.ThreadNum), api.EncodeI32(int32(len(msg.OMPFunctionArgs))))
	for i := len(msg.OMPFunctionArgs) - 1; i >= 0; i-- {
		args = append(args, api.EncodeI32(msg.OMPFunctionArgs[i]))
	}

	res, err := ExecuteThread(ctx, bm, ThreadSpec{FuncPtr: uint32(msg.FuncPtr), Args: args})
	if err != nil {
		log().Warn("remote omp dispatch failed", zap.Error(err))
	}
	return res, err
}
