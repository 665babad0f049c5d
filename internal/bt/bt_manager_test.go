package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanFilterMatches(t *testing.T) {
	tests := []struct {
		name      string
		filter    ScanFilter
		localName string
		address   string
		want      bool
	}{
		{"empty filter matches anything", ScanFilter{}, "OxySmart 7500", "AA:BB:CC:DD:EE:FF", true},
		{"name substring", ScanFilter{NamePattern: "oxysmart"}, "OxySmart 7500", "AA:BB:CC:DD:EE:FF", true},
		{"name case insensitive", ScanFilter{NamePattern: "OXYSMART"}, "oxysmart 7500", "AA:BB:CC:DD:EE:FF", true},
		{"name mismatch", ScanFilter{NamePattern: "oxysmart"}, "HR Strap", "AA:BB:CC:DD:EE:FF", false},
		{"name filter rejects empty advertised name", ScanFilter{NamePattern: "oxysmart"}, "", "AA:BB:CC:DD:EE:FF", false},
		{"address exact", ScanFilter{Address: "AA:BB:CC:DD:EE:FF"}, "whatever", "AA:BB:CC:DD:EE:FF", true},
		{"address case insensitive", ScanFilter{Address: "aa:bb:cc:dd:ee:ff"}, "whatever", "AA:BB:CC:DD:EE:FF", true},
		{"address mismatch", ScanFilter{Address: "AA:BB:CC:DD:EE:00"}, "whatever", "AA:BB:CC:DD:EE:FF", false},
		{"both set, both match", ScanFilter{NamePattern: "oxy", Address: "AA:BB:CC:DD:EE:FF"}, "OxySmart", "AA:BB:CC:DD:EE:FF", true},
		{"both set, name fails", ScanFilter{NamePattern: "strap", Address: "AA:BB:CC:DD:EE:FF"}, "OxySmart", "AA:BB:CC:DD:EE:FF", false},
		{"both set, address fails", ScanFilter{NamePattern: "oxy", Address: "AA:BB:CC:DD:EE:00"}, "OxySmart", "AA:BB:CC:DD:EE:FF", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.localName, tt.address))
		})
	}
}

func TestBTDeviceStateString(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown", BTDeviceState(42).String())
}
