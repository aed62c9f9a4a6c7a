//go:build windows

package fsprobe

import (
	"path/filepath"
	"strings"
)

// classify detects a UNC path (\\server\share\...), which is always a
// network mount on Windows; anything else is assumed local since the
// mapped-drive case would require a WNetGetConnection lookup this probe
// does not attempt.
func classify(dir string) (Classification, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Unknown, nil
	}

	if strings.HasPrefix(abs, `\\`) {
		return OtherNetwork, nil
	}

	return Local, nil
}
