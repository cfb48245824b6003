package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("dial", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "dial: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "dial: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("listen", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewNetworkError("dial", baseErr)
		fatal := NewFatalNetworkError("listen", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}
		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}
		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
		if !IsRetriable(fmt.Errorf("producer BIDOFFER: %w", retriable)) {
			t.Error("IsRetriable should see through wrapping")
		}
	})
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("hub.buffer_size", ErrBufferSizeNotPowerOfTwo)

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [hub.buffer_size]: buffer size must be a power of two"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}

	if !errors.Is(err, ErrBufferSizeNotPowerOfTwo) {
		t.Error("Expected ConfigError to unwrap to the sentinel")
	}
}
