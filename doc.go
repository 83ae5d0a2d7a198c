// Package wasmhost is a WebAssembly module host for a serverless
// function-as-a-service platform: it loads compiled Wasm modules,
// constructs their linear memory and indirect-call table, resolves
// imports including dynamically linked shared modules, invokes function
// entrypoints under isolated per-execution contexts, and supports
// snapshotting/restoring/cloning linear memory for zygote-style fast
// startup.
//
// The host is organized as nine cooperating packages covering the ten
// components (exec holds both C8 and C9):
//
//	modcache/   IR module cache (C1)
//	memory/     linear memory manager (C2)
//	table/      indirect-call table manager (C3)
//	got/        Global Offset Table (C4)
//	resolver/   import resolver (C5)
//	registry/   dynamic module registry (C6)
//	host/       instance lifecycle: BoundModule, bind, tear_down (C7)
//	exec/       execution driver and thread execution (C8, C9)
//	snapshot/   memory snapshot/restore; host.BoundModule.Clone (C10)
//
// wasmgen and wasmir are supporting packages: wasmgen builds the small
// synthetic wasm binary modules the resolver and table manager use to
// bridge wazero's by-name instantiation model onto this host's GOT-driven
// linking model, and wasmir parses the subset of the wasm binary format
// those components need to reason about structurally.
//
// A typical embedder creates one *host.BoundModule per (user, function),
// calls Bind, then drives execution through the exec package:
//
//	bm := host.New()
//	if err := bm.Bind(ctx, host.BindRequest{User: "alice", Function: "hello"}); err != nil {
//	    return err
//	}
//	defer bm.TearDown(ctx)
//
//	result, err := exec.Execute(ctx, bm, exec.Message{User: "alice", Function: "hello"})
package wasmhost
