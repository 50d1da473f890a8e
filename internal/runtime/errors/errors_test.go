package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrHandlerRequired", ErrHandlerRequired, "teeflow: handler function is required"},
		{"ErrDecoderRequired", ErrDecoderRequired, "teeflow: message decoder is required"},
		{"ErrConsumerUnbound", ErrConsumerUnbound, "teeflow: cannot start unbound topic consumer"},
		{"ErrTeeUnbound", ErrTeeUnbound, "teeflow: cannot start unbound tee"},
		{"ErrTeeNotStarted", ErrTeeNotStarted, "teeflow: tee liveness requested before start"},
		{"ErrHandlerNotFound", ErrHandlerNotFound, "teeflow: no handler for target"},
		{"ErrNoAdapter", ErrNoAdapter, "teeflow: no dispatcher/consumer for scheme"},
		{"ErrNotRunning", ErrNotRunning, "teeflow: could not publish to non-running publisher"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	want := "teeflow: invalid configuration: invalid port"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if unwrapped := err.Unwrap(); unwrapped != inner {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, inner)
	}
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if err := NewConfigValidationError(nil); err != nil {
			t.Errorf("NewConfigValidationError(nil) = %v, want nil", err)
		}
	})

	t.Run("errors.Is works with wrapped error", func(t *testing.T) {
		inner := errors.New("specific error")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigValidationError, got %T", err)
		}
		if !errors.Is(err, inner) {
			t.Error("errors.Is should match wrapped error")
		}
	})
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("dispatch: %w", ErrNotRunning)) {
		t.Error("expected wrapped ErrNotRunning to be retryable")
	}
	if !IsRetryable(ErrClosed) {
		t.Error("expected ErrClosed to be retryable")
	}
	if IsRetryable(ErrTeeUnbound) {
		t.Error("contract errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestUnprocessable(t *testing.T) {
	if Unprocessable(nil) != nil {
		t.Fatal("Unprocessable(nil) should be nil")
	}

	inner := errors.New("missing user")
	err := fmt.Errorf("parse pose: %w", Unprocessable(inner))

	if !IsUnprocessable(err) {
		t.Errorf("IsUnprocessable(%v) = false, want true", err)
	}
	if !errors.Is(err, inner) {
		t.Errorf("expected wrapped error to match inner")
	}
	if IsUnprocessable(inner) {
		t.Errorf("plain error reported as unprocessable")
	}
	want := "parse pose: teeflow: unprocessable message: missing user"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
