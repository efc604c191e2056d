package application

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorrectObviusBoundaries(t *testing.T) {
	p := DefaultProtocols().Lookup("obvius")

	tests := []struct {
		name   string
		prev   float64
		next   float64
		want   float64
		rolled bool
	}{
		{name: "monotonic", prev: 99_950_000, next: 99_960_000, want: 99_960_000},
		{name: "equal", prev: 42, next: 42, want: 42},
		{name: "wrap inside window", prev: 99_950_000, next: 500, want: 100_000_500, rolled: true},
		{name: "exactly at window edge is not a wrap", prev: 99_900_000, next: 500, want: 500},
		{name: "just inside window edge", prev: 99_900_001, next: 500, want: 100_000_500, rolled: true},
		{name: "next above margin is a reset", prev: 99_950_000, next: 100_000, want: 100_000},
		{name: "reset far from wrap", prev: 5_000, next: 100, want: 100},
		{name: "carries completed wraps", prev: 100_000_500, next: 600, want: 100_000_600},
		{name: "second wrap", prev: 199_990_000, next: 10, want: 200_000_010, rolled: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, rolled := p.Correct(tc.prev, tc.next)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.rolled, rolled)
		})
	}
}

func TestCorrectPropertyNearWrap(t *testing.T) {
	for _, name := range []string{"obvius", "solectria"} {
		p := DefaultProtocols().Lookup(name)
		step := p.Margin / 10
		for prev := p.RolloverPoint - 2*p.Margin; prev < p.RolloverPoint; prev += step {
			for next := 0.0; next < 2*p.Margin; next += step {
				got, rolled := p.Correct(prev, next)
				switch {
				case next >= prev:
					require.Equal(t, next, got, "%s prev=%v next=%v", name, prev, next)
					require.False(t, rolled)
				case prev > p.RolloverPoint-p.Margin && next < p.Margin:
					require.Equal(t, next+p.RolloverPoint, got, "%s prev=%v next=%v", name, prev, next)
					require.True(t, rolled)
				default:
					require.Equal(t, next, got, "%s prev=%v next=%v", name, prev, next)
					require.False(t, rolled)
				}
			}
		}
	}
}

func TestCorrectGenericFractionalPoint(t *testing.T) {
	p := DefaultProtocols().Lookup("unknown-vendor")
	require.Equal(t, GenericProtocol, p.Name)

	got, rolled := p.Correct(4_290_000, 12.5)
	require.True(t, rolled)
	require.InDelta(t, 4_294_979.796, got, 1e-6)
}

func TestProtocolsMergeYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "protocols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protocols:
  - name: Solectria
    margin: 2000
  - name: acme
    rollover_point: 65536
    margin: 100
`), 0o600))

	table, err := LoadProtocols(path)
	require.NoError(t, err)

	solectria := table.Lookup("solectria")
	require.Equal(t, 1_000_000.0, solectria.RolloverPoint)
	require.Equal(t, 2000.0, solectria.Margin)
	require.Equal(t, 4000.0, solectria.MaxEnergyDelta)

	acme := table.Lookup("ACME")
	require.Equal(t, 65536.0, acme.RolloverPoint)
	require.Equal(t, 200.0, acme.MaxEnergyDelta)

	require.Equal(t, 100_000_000.0, table.Lookup("obvius").RolloverPoint)
}

func TestProtocolsMergeKeepsExplicitDelta(t *testing.T) {
	table := DefaultProtocols()
	require.NoError(t, table.Merge([]byte(`
protocols:
  - name: obvius
    max_energy_delta: 5000
`)))
	require.NoError(t, table.Merge([]byte(`
protocols:
  - name: obvius
    margin: 50000
`)))

	obvius := table.Lookup("obvius")
	require.Equal(t, 50_000.0, obvius.Margin)
	require.Equal(t, 5000.0, obvius.MaxEnergyDelta)
	require.Equal(t, 20_000.0, table.Lookup("generic").MaxEnergyDelta)
}

func TestLoadProtocolsMissingFile(t *testing.T) {
	_, err := LoadProtocols(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
