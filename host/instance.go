package host

import "github.com/tetratelabs/wazero/api"

// InstanceKind tags which role an Instance plays, replacing the classical
// inheritance a tagged variant stands in for: Env | Wasi | Main |
// Dynamic{handle}.
type InstanceKind int

const (
	KindEnv InstanceKind = iota
	KindWasi
	KindMain
	KindDynamic
)

func (k InstanceKind) String() string {
	switch k {
	case KindEnv:
		return "env"
	case KindWasi:
		return "wasi"
	case KindMain:
		return "main"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Instance is one instantiated module within a compartment. Handle is only
// meaningful when Kind is KindDynamic.
type Instance struct {
	Kind   InstanceKind
	Handle uint32
	Name   string
	Module api.Module
}

// GetExport is the uniform capability every instance kind exposes: look up
// name as whichever kind of export it turns out to be, or nil if none
// matches. Returns api.Function, api.Global, or api.Memory.
func (i Instance) GetExport(name string) any {
	if i.Module == nil {
		return nil
	}
	if fn := i.Module.ExportedFunction(name); fn != nil {
		return fn
	}
	if g := i.Module.ExportedGlobal(name); g != nil {
		return g
	}
	if m := i.Module.ExportedMemory(name); m != nil {
		return m
	}
	return nil
}

// IsZero reports whether the instance has never been populated.
func (i Instance) IsZero() bool { return i.Module == nil }
