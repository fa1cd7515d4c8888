package gpio

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readADC reads one raw conversion from an IIO sysfs file and scales it.
func readADC(a ADC) (float64, error) {
	b, err := os.ReadFile(a.RawPath)
	if err != nil {
		return 0, fmt.Errorf("read adc: %w", err)
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse adc value %q: %w", strings.TrimSpace(string(b)), err)
	}
	return raw * a.VoltsPerCount, nil
}
