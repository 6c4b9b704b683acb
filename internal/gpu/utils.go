package gpu

import "github.com/docker/go-units"

// bufferAlignment is the bind offset alignment reported by the software device.
const bufferAlignment = 256

var binaryUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}

// HumanSize formats a byte count with binary units and a space before the
// unit, e.g. "512 KiB" or "1.5 GiB".
func HumanSize(n uint64) string {
	return units.CustomSize("%.4g %s", float64(n), 1024, binaryUnits)
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
