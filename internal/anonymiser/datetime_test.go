package anonymiser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShiftDate(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		vr     string
		offset int
		want   string
	}{
		{"DA backwards", "20230415", "DA", -10, "20230405"},
		{"DA across month", "20230402", "DA", -5, "20230328"},
		{"DA zero offset", "20230415", "DA", 0, "20230415"},
		{"DT keeps time and fraction", "20230415093000.123456", "DT", -3, "20230412093000.123456"},
		{"DT with offset suffix", "20230415093000+0100", "DT", -1, "20230414093000+0100"},
		{"TM unchanged", "093000", "TM", -10, "093000"},
		{"empty value", "", "DA", -10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shiftDate(tt.value, tt.vr, tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShiftDate_Unparseable(t *testing.T) {
	_, err := shiftDate("yesterday", "DA", -1)
	assert.Error(t, err)
}

func TestFloorDatetime(t *testing.T) {
	tests := []struct {
		name  string
		value string
		vr    string
		want  string
	}{
		{"DT truncated", "20230415093012.5", "DT", "20230415000000"},
		{"TM zeroed", "093012", "TM", "000000"},
		{"DA untouched", "20230415", "DA", "20230415"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := floorDatetime(tt.value, tt.vr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitDatetime_PartialPrecision(t *testing.T) {
	date, rest := splitDatetime("2023")
	assert.Equal(t, "20230101", date)
	assert.Empty(t, rest)

	date, rest = splitDatetime("202304")
	assert.Equal(t, "20230401", date)
	assert.Empty(t, rest)
}
