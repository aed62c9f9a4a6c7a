package fsprobe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hotschmoe/beads/internal/fsprobe"
)

func TestProbeNeverErrorsAndDefaultsSafe(t *testing.T) {
	t.Parallel()

	result := fsprobe.Probe(t.TempDir())
	// On a CI/dev box the module's temp dir is virtually always local, but
	// the important contract is that Probe never blocks and always
	// returns a usable result.
	require.NotEmpty(t, result.Classification)
}

func TestNetworkKindsCarryWarning(t *testing.T) {
	t.Parallel()

	for _, kind := range []fsprobe.Classification{fsprobe.NFS, fsprobe.CIFSSMB, fsprobe.OtherNetwork} {
		result := fsprobe.Result{Classification: kind, Safe: false, Warning: "x"}
		require.False(t, result.Safe)
		require.NotEmpty(t, result.Warning)
	}
}
