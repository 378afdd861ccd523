package volume

import (
	"testing"

	"github.com/openfroyo/virtsync/pkg/engine"
)

func TestParseCapacity(t *testing.T) {
	tests := []struct {
		in    string
		value string
		unit  string
		bytes uint64
	}{
		{"1024", "1024", "bytes", 1024},
		{"512 B", "512", "B", 512},
		{"10K", "10", "K", 10 * 1024},
		{"10KiB", "10", "KiB", 10 * 1024},
		{"10KB", "10", "KB", 10 * 1000},
		{"20G", "20", "G", 20 << 30},
		{"20GB", "20", "GB", 20 * 1000 * 1000 * 1000},
		{"1.5 TiB", "1.5", "TiB", 3 << 39},
		{"0.5M", "0.5", "M", 512 * 1024},
		{"1EiB", "1", "EiB", 1 << 60},
		{"1.0000001K", "1.0000001", "K", 1024},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ParseCapacity(tt.in)
			if err != nil {
				t.Fatalf("ParseCapacity() error = %v", err)
			}
			if c.Value != tt.value || c.Unit != tt.unit {
				t.Errorf("ParseCapacity() = %+v, want %s %s", c, tt.value, tt.unit)
			}
			n, err := c.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if n != tt.bytes {
				t.Errorf("Bytes() = %d, want %d", n, tt.bytes)
			}
		})
	}
}

func TestParseCapacityErrors(t *testing.T) {
	for _, in := range []string{"", "G", "ten G", "10 parsecs", "10g", "-1G", ".5G"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseCapacity(in)
			if code := engine.CodeOf(err); code != engine.ErrCodeValidation {
				t.Errorf("ParseCapacity(%q) code = %q (%v), want %q", in, code, err, engine.ErrCodeValidation)
			}
		})
	}
}

func TestCapacityTooLarge(t *testing.T) {
	c, err := ParseCapacity("16EiB")
	if err != nil {
		t.Fatalf("ParseCapacity() error = %v", err)
	}
	if _, err := c.Bytes(); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Bytes() error = %v, want a validation error", err)
	}
}
