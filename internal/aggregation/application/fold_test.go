package application

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "powermeter-cloud/internal/telemetry/domain"
)

func TestFoldSum(t *testing.T) {
	total, ok := Fold([]float64{1.5, telemetry.NotReported, 2.5, 0}, false)
	require.True(t, ok)
	assert.Equal(t, 4.0, total)
}

func TestFoldSubtractive(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{name: "pair", values: []float64{30, 100}, want: 70},
		{name: "three", values: []float64{10, 100, 30}, want: 60},
		{name: "single", values: []float64{42}, want: 42},
		{name: "skips unreported", values: []float64{100, telemetry.NotReported, 30}, want: 70},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Fold(tc.values, true)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFoldNothingReported(t *testing.T) {
	got, ok := Fold([]float64{telemetry.NotReported}, false)
	assert.False(t, ok)
	assert.Equal(t, telemetry.NotReported, got)

	_, ok = Fold(nil, true)
	assert.False(t, ok)
}

func TestFoldIsOrderIndependent(t *testing.T) {
	values := []float64{0.1, 0.2, 0.3, 1e6, 7.77, 3.14159, 0.0001, 12.5}
	wantSum, _ := Fold(values, false)
	wantDiff, _ := Fold(values, true)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		shuffled := append([]float64(nil), values...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		gotSum, _ := Fold(shuffled, false)
		gotDiff, _ := Fold(shuffled, true)
		require.Equal(t, wantSum, gotSum)
		require.Equal(t, wantDiff, gotDiff)
	}
}
