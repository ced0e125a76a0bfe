package hardware

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/capi-project/capi-core/pkg/types"
)

// sampleCPU reports the CPU device with host RAM totals. On Linux it reads
// /proc/meminfo; on other platforms (or on a read error) it degrades to an
// available-but-unsized device rather than failing the whole probe.
func (p *Probe) sampleCPU() types.Device {
	d := types.Device{
		Name:      "cpu",
		Kind:      types.DeviceCPU,
		Available: true,
	}
	total, avail, ok := readMemInfo("/proc/meminfo")
	if ok {
		d.TotalMemoryBytes = total
		d.AvailableMemoryBytes = avail
	}
	return d
}

// readMemInfo parses MemTotal/MemAvailable out of a /proc/meminfo-shaped
// file. Returns ok=false (not an error) when the file can't be read, e.g.
// on a non-Linux host — the caller treats that as "field absent".
func readMemInfo(path string) (totalBytes, availBytes int64, ok bool) {
	if runtime.GOOS != "linux" {
		return 0, 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var total, avail int64
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			if v, ok := parseKB(line); ok {
				total = v
				haveTotal = true
			}
		case strings.HasPrefix(line, "MemAvailable:"):
			if v, ok := parseKB(line); ok {
				avail = v
				haveAvail = true
			}
		}
		if haveTotal && haveAvail {
			break
		}
	}
	if !haveTotal {
		return 0, 0, false
	}
	return total, avail, true
}

func parseKB(line string) (int64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}
