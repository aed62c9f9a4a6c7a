// Package fsprobe classifies the filesystem backing a data directory and
// flags network mounts as unsafe for this engine's single-host concurrency
// model. It never blocks initialization; callers surface the warning to a
// human and proceed regardless.
package fsprobe

import "fmt"

// Classification is the detected filesystem kind.
type Classification string

const (
	Local        Classification = "local"
	NFS          Classification = "nfs"
	CIFSSMB      Classification = "cifs_smb"
	FUSEUnknown  Classification = "fuse_unknown"
	OtherNetwork Classification = "other_network"
	Unknown      Classification = "unknown"
)

// networkKinds are classifications the engine warns about: multi-host
// coherency is out of scope (§1 non-goals), so any mount that might be
// shared across hosts gets flagged.
var networkKinds = map[Classification]bool{
	NFS:          true,
	CIFSSMB:      true,
	OtherNetwork: true,
}

// Result is the outcome of probing a directory.
type Result struct {
	Classification Classification
	Safe           bool
	Warning        string
}

// Probe classifies the filesystem backing dir. It never returns an error
// that should abort startup: a classification failure degrades to Unknown
// with Safe=true, since the engine must still be usable when the mount
// table can't be read.
func Probe(dir string) Result {
	class, err := classify(dir)
	if err != nil {
		class = Unknown
	}

	if !networkKinds[class] {
		return Result{Classification: class, Safe: true}
	}

	return Result{
		Classification: class,
		Safe:           false,
		Warning: fmt.Sprintf(
			"data directory %q is on a %s mount; this engine assumes single-host access and may corrupt data under concurrent multi-host writers",
			dir, class,
		),
	}
}
