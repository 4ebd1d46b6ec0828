// Package bootstrap makes a freshly spawned runtime usable: it ships the
// required code modules over, ensures the node manager is running, and
// starts a per-connection evaluation server. Every step is idempotent, so
// bootstrapping the same runtime twice is safe.
package bootstrap

import (
	"bytes"
	"fmt"
	"runtime"
)

// moduleMagic prefixes every encoded module so a node can reject payloads
// that were never modules at all.
const moduleMagic = "CRCBOOT1"

// Module is one code unit in its transferable binary form.
type Module struct {
	Name   string
	Binary []byte
}

// ModuleSet is the code a runtime needs before it can serve evaluations.
// Marker names the representative module probed to decide whether the whole
// set is already present.
type ModuleSet struct {
	Marker  string
	Modules []Module
}

// Platform identifies the local toolchain and target. Loads fail with a
// version-mismatch error when the two sides disagree.
func Platform() string {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// EncodeModule wraps module source into its binary wire form, stamped with
// the local platform.
func EncodeModule(source []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(moduleMagic)
	buf.WriteByte('\n')
	buf.WriteString(Platform())
	buf.WriteByte('\n')
	buf.Write(source)
	return buf.Bytes()
}

// DecodeModule unwraps a module's binary form, returning the platform it was
// encoded on and its source.
func DecodeModule(binary []byte) (platform string, source []byte, err error) {
	rest, ok := bytes.CutPrefix(binary, []byte(moduleMagic+"\n"))
	if !ok {
		return "", nil, fmt.Errorf("not a module payload")
	}
	platformBytes, source, ok := bytes.Cut(rest, []byte("\n"))
	if !ok {
		return "", nil, fmt.Errorf("module payload missing platform header")
	}
	return string(platformBytes), source, nil
}

// Prelude is the module set shipped to every runtime: the evaluation prelude
// loaded into each worker's starting environment plus the kernel marker
// module.
func Prelude() ModuleSet {
	return ModuleSet{
		Marker: "crucible.kernel",
		Modules: []Module{
			{Name: "crucible.kernel", Binary: EncodeModule([]byte("crucible_kernel = true"))},
			{Name: "crucible.prelude", Binary: EncodeModule([]byte("crucible_version = \"0.1.0\""))},
		},
	}
}
