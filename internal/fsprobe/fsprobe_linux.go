//go:build linux

package fsprobe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// classify reads /proc/mounts and picks the longest-prefix mount point
// covering dir, then maps its fstype to a Classification.
func classify(dir string) (Classification, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Unknown, fmt.Errorf("fsprobe: abs %q: %w", dir, err)
	}

	mounts, err := readMounts("/proc/mounts")
	if err != nil {
		return Unknown, err
	}

	best := ""
	var bestType string

	for _, m := range mounts {
		if !strings.HasPrefix(abs, m.point) {
			continue
		}

		if len(m.point) > len(best) {
			best = m.point
			bestType = m.fstype
		}
	}

	if best == "" {
		return Unknown, nil
	}

	return classifyFSType(bestType), nil
}

type mountEntry struct {
	point  string
	fstype string
}

func readMounts(path string) ([]mountEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fsprobe: open %q: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	var entries []mountEntry

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}

		point := fields[1]
		if point == "/" {
			// Root always matches as a prefix of everything; keep it but
			// with the shortest priority by not special-casing further -
			// longest-prefix logic above already prefers deeper mounts.
			entries = append(entries, mountEntry{point: point, fstype: fields[2]})

			continue
		}

		entries = append(entries, mountEntry{point: point + string(os.PathSeparator), fstype: fields[2]})
		entries = append(entries, mountEntry{point: point, fstype: fields[2]})
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return nil, fmt.Errorf("fsprobe: scan %q: %w", path, scanErr)
	}

	return entries, nil
}

func classifyFSType(fstype string) Classification {
	switch fstype {
	case "ext4", "ext3", "ext2", "xfs", "btrfs", "zfs", "tmpfs", "overlay", "apfs", "ntfs", "vfat", "exfat":
		return Local
	case "nfs", "nfs4":
		return NFS
	case "cifs", "smb3", "smbfs", "9p":
		return CIFSSMB
	case "fuse", "fuseblk":
		return FUSEUnknown
	case "glusterfs", "ceph", "lustre", "afs":
		return OtherNetwork
	default:
		if strings.HasPrefix(fstype, "fuse.") {
			return FUSEUnknown
		}

		return Unknown
	}
}
