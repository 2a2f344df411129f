package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative path", path: "config.json", wantErr: false},
		{name: "nested relative path", path: "data/tradewire.db", wantErr: false},
		{name: "absolute path", path: "/var/lib/tradewire/tradewire.db", wantErr: false},
		{name: "dot segment", path: "./config.json", wantErr: false},
		{name: "empty path", path: "", wantErr: true},
		{name: "parent traversal", path: "../secrets.json", wantErr: true},
		{name: "embedded traversal", path: "data/../../etc/passwd", wantErr: true},
		{name: "NUL byte", path: "config.json\x00.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
