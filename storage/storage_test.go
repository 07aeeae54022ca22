package storage

import (
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeParam(t *testing.T) {
	tests := []struct {
		dsn     string
		want    int
		wantErr bool
	}{
		{"memory://", 42, false},
		{"memory://?size=0", 0, false},
		{"memory://?size=1000", 1000, false},
		{"memory://?size=" + strconv.Itoa(MaxSize), MaxSize, false},
		{"memory://?size=" + strconv.Itoa(MaxSize+1), 0, true},
		{"memory://?size=9000000000000000", 0, true},
		{"memory://?size=1e8", 0, true},
		{"memory://?size=-1", 0, true},
		{"memory://?size=lots", 0, true},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.dsn)
		require.NoError(t, err)

		got, err := SizeParam(u, 42)
		if tt.wantErr {
			assert.Error(t, err, tt.dsn)
			continue
		}
		require.NoError(t, err, tt.dsn)
		assert.Equal(t, tt.want, got, tt.dsn)
	}
}
