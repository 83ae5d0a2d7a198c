package host

import (
	"bytes"
	"io"
	"io/fs"
)

// FileSystem is the emulated filesystem handle a BoundModule carries:
// wazero's WASI preview-1 implementation reads stdin and a preopened
// filesystem, and writes stdout/stderr, through whatever io.Reader/Writer
// and fs.FS the main instance's ModuleConfig was built with at
// instantiation time — there is no separate host-side syscall layer to
// configure afterwards.
type FileSystem struct {
	root   fs.FS
	stdin  io.Reader
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// newFileSystem prepares the emulated filesystem for one bind(): an
// optional embedder-mounted root (nil preopens nothing), no stdin unless
// the embedder supplies one via BindRequest, and fresh stdout/stderr
// capture buffers.
func newFileSystem(root fs.FS, stdin io.Reader) *FileSystem {
	return &FileSystem{root: root, stdin: stdin}
}

// Stdout returns everything written to fd 1 so far.
func (f *FileSystem) Stdout() []byte { return f.stdout.Bytes() }

// Stderr returns everything written to fd 2 so far.
func (f *FileSystem) Stderr() []byte { return f.stderr.Bytes() }

// ResetCapturedOutput clears the stdout/stderr buffers without disturbing
// the mounted root or stdin — used between successive execute() calls
// against the same bound module.
func (f *FileSystem) ResetCapturedOutput() {
	f.stdout.Reset()
	f.stderr.Reset()
}
