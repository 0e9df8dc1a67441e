package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducer_Validation(t *testing.T) {
	_, err := NewProducer(WithTopic("runs"))
	assert.Error(t, err, "brokers are required")

	_, err = NewProducer(WithBrokers([]string{"localhost:9092"}))
	assert.Error(t, err, "topic is required")

	p, err := NewProducer(WithBrokers([]string{"localhost:9092"}), WithTopic("runs"), WithCompression("zstd"))
	require.NoError(t, err)
	assert.Equal(t, "runs", p.Topic())
	assert.NoError(t, p.Close())
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in   string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"unknown", kafka.Gzip},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCompression(tt.in))
		})
	}
}

func TestEncode(t *testing.T) {
	b, err := encode([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(b))

	b, err = encode(map[string]int{"resolved": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"resolved":3}`, string(b))

	_, err = encode(func() {})
	assert.Error(t, err)
}
