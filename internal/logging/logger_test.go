package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "json info", level: "info", format: "json"},
		{name: "console debug", level: "debug", format: "console"},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Sync() //nolint:errcheck
		})
	}
}

func TestNopNeverNil(t *testing.T) {
	assert.NotNil(t, Nop())
}
