package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	const size = 1000
	tests := []struct {
		header  string
		want    byteRange
		partial bool
		err     error
	}{
		{"", byteRange{0, 999}, false, nil},
		{"bytes=0-99", byteRange{0, 99}, true, nil},
		{"bytes=100-", byteRange{100, 999}, true, nil},
		{"bytes=-10", byteRange{990, 999}, true, nil},
		{"bytes=-5000", byteRange{0, 999}, true, nil},
		{"bytes=900-5000", byteRange{900, 999}, true, nil},
		{"bytes=999-999", byteRange{999, 999}, true, nil},
		{"bytes=1000-", byteRange{}, false, errUnsatisfiable},
		{"bytes=-0", byteRange{}, false, errUnsatisfiable},
		{"bytes=0-1,5-6", byteRange{0, 999}, false, nil},
		{"bytes=50-10", byteRange{0, 999}, false, nil},
		{"items=0-1", byteRange{0, 999}, false, nil},
		{"bytes=abc", byteRange{0, 999}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, partial, err := parseRange(tt.header, size)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.partial, partial)
		})
	}
}

func TestParseRangeEmptyFile(t *testing.T) {
	for _, header := range []string{"", "bytes=0-", "bytes=-1"} {
		_, _, err := parseRange(header, 0)
		assert.ErrorIs(t, err, errUnsatisfiable, header)
	}
}
