package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaramaConfig(t *testing.T) {
	tests := []struct {
		name        string
		cfg         ClientConfig
		wantErr     bool
		wantInitial int64
		wantVersion sarama.KafkaVersion
	}{
		{name: "defaults", cfg: ClientConfig{ClientID: "taskpulse"}, wantInitial: sarama.OffsetOldest, wantVersion: sarama.V3_6_0_0},
		{name: "newest", cfg: ClientConfig{InitialOffset: "newest", Version: "2.8.0"}, wantInitial: sarama.OffsetNewest, wantVersion: sarama.V2_8_0_0},
		{name: "bad offset", cfg: ClientConfig{InitialOffset: "middle"}, wantErr: true},
		{name: "bad version", cfg: ClientConfig{Version: "banana"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewSaramaConfig(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInitial, c.Consumer.Offsets.Initial)
			assert.Equal(t, tt.wantVersion, c.Version)
			assert.False(t, c.Consumer.Offsets.AutoCommit.Enable)
			assert.NoError(t, c.Validate())
		})
	}
}
