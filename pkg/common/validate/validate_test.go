package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inner struct {
	Port int `yaml:"port" validate:"gt=0"`
}

type sample struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
	Inner inner  `yaml:"inner"`
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		val     sample
		wantErr map[string]string
	}{
		{
			name: "valid",
			val:  sample{Name: "x", Count: 1, Inner: inner{Port: 80}},
		},
		{
			name: "missing required field uses json name",
			val:  sample{Inner: inner{Port: 80}},
			wantErr: map[string]string{
				"name": "name is a required field",
			},
		},
		{
			name: "nested field uses yaml name",
			val:  sample{Name: "x", Count: -1},
			wantErr: map[string]string{
				"count":      "count must be 0 or greater",
				"inner.port": "port must be greater than 0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.val)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			var fe FieldErrors
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.wantErr, fe.Fields())
		})
	}
}
