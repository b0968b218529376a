package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"Error", ErrorLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestZapAdapter_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: WarnLevel, Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown", String("account_id", "acc-1"))
	logger.Error("failed", errors.New("boom"), Int("attempt", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "acc-1")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "ERROR")
}

func TestZapAdapter_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: DebugLevel, Output: &buf})

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-42")
	logger.WithContext(ctx).Debug("handled")

	assert.Contains(t, buf.String(), "req-42")
}

func TestOrGlobal(t *testing.T) {
	var buf bytes.Buffer
	l := NewZapLogger(Config{Output: &buf})
	assert.Same(t, l, OrGlobal(l))
	assert.NotNil(t, OrGlobal(nil))
}
