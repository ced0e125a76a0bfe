package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/pkg/types"
)

func TestReadMemInfoParsesKB(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in -short mode")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "meminfo")
	body := "MemTotal:       16384000 kB\nMemFree:         2000000 kB\nMemAvailable:    8192000 kB\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	total, avail, ok := readMemInfo(path)
	if !ok {
		t.Skip("not running on linux, readMemInfo intentionally degrades")
	}
	require.Equal(t, int64(16384000*1024), total)
	require.Equal(t, int64(8192000*1024), avail)
}

func TestReadMemInfoMissingFileDegradesGracefully(t *testing.T) {
	_, _, ok := readMemInfo("/does/not/exist/meminfo")
	require.False(t, ok)
}

func TestProbeEnumerateAlwaysIncludesCPU(t *testing.T) {
	p := New(zerolog.Nop())
	devices := p.Enumerate()
	require.NotEmpty(t, devices)
	require.Equal(t, "cpu", devices[0].Name)
}

func TestProbeEnumerateCachesAcrossCalls(t *testing.T) {
	p := New(zerolog.Nop())
	first := p.Enumerate()
	second := p.Enumerate()
	require.Equal(t, first, second)
}

// countingGPU records how often the probe queries GPU telemetry.
type countingGPU struct{ calls int }

func (c *countingGPU) devices() ([]types.Device, error) {
	c.calls++
	return nil, nil
}

func TestProbeSampleNeverCachesStaleValues(t *testing.T) {
	gpu := &countingGPU{}
	p := &Probe{gpu: gpu, log: zerolog.Nop()}
	_ = p.Enumerate()
	s1 := p.Sample()
	s2 := p.Sample()
	require.Equal(t, len(s1), len(s2))
	// One query for Enumerate, then a fresh one for each Sample.
	require.Equal(t, 3, gpu.calls)
}
