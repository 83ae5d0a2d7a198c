package host

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/faasm/wasmhost/got"
	"github.com/faasm/wasmhost/hostconfig"
	"github.com/faasm/wasmhost/memory"
	"github.com/faasm/wasmhost/table"
)

// Compartment is one bound module's isolated wazero namespace: a single
// linear memory, a single indirect-call table, and the GOT built against
// them. The main instance and every dynamic instance share these three
// resources; nothing else does.
type Compartment struct {
	Runtime wazero.Runtime
	Memory  *memory.Manager
	Table   *table.Manager
	GOT     *got.Table
}

func newCompartment(ctx context.Context, cfg hostconfig.Config) (*Compartment, error) {
	rt := wazero.NewRuntime(ctx)

	mem, err := memory.NewOwned(ctx, rt, cfg.MemoryMaxPages)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	tableMgr, err := table.New(ctx, rt, cfg.TableMaxElements)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	return &Compartment{
		Runtime: rt,
		Memory:  mem,
		Table:   tableMgr,
		GOT:     got.New(),
	}, nil
}

// Close releases the compartment's runtime and everything instantiated
// within it. Closing a wazero.Runtime closes every module in its
// namespace, so this alone tears down main, both intrinsics, and every
// dynamic instance.
func (c *Compartment) Close(ctx context.Context) error {
	return c.Runtime.Close(ctx)
}
