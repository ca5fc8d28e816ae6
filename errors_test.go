package dsaq

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("Open", ErrCodeInvalidParams, "device is nil")

	if err.Op != "Open" {
		t.Errorf("Op = %q, want %q", err.Op, "Open")
	}
	if err.Code != ErrCodeInvalidParams {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInvalidParams)
	}
	expected := "dsaq: Open: device is nil"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestChannelError(t *testing.T) {
	err := NewChannelError("SubmitCopy", 3, ErrCodeExhausted, "pool exhausted")

	if err.Channel != 3 {
		t.Errorf("Channel = %d, want 3", err.Channel)
	}
	expected := "dsaq: SubmitCopy: channel=3: pool exhausted"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestErrorDefaultsMsgToCode(t *testing.T) {
	err := NewError("Flush", ErrCodeDeviceFailure, "")
	if err.Error() != "dsaq: Flush: "+string(ErrCodeDeviceFailure) {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrapErrorPreservesCodeAndChannel(t *testing.T) {
	inner := NewChannelError("SubmitFill", 1, ErrCodeTranslation, "bad address")
	wrapped := WrapError("ProcessCompletions", inner)

	if wrapped.Op != "ProcessCompletions" {
		t.Errorf("Op = %q, want %q", wrapped.Op, "ProcessCompletions")
	}
	if wrapped.Code != ErrCodeTranslation {
		t.Errorf("Code = %q, want %q", wrapped.Code, ErrCodeTranslation)
	}
	if wrapped.Channel != 1 {
		t.Errorf("Channel = %d, want 1", wrapped.Channel)
	}
}

func TestWrapErrorOnPlainError(t *testing.T) {
	wrapped := WrapError("SubmitCopy", errors.New("boom"))
	if wrapped.Code != ErrCodeDeviceFailure {
		t.Errorf("Code = %q, want %q", wrapped.Code, ErrCodeDeviceFailure)
	}
	if !errors.Is(wrapped, wrapped.Inner) {
		t.Error("wrapped error should unwrap to the original error")
	}
}

func TestWrapErrorOnNilIsNil(t *testing.T) {
	if WrapError("op", nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := NewChannelError("SubmitCopy", 0, ErrCodeExhausted, "first")
	b := NewChannelError("SubmitFill", 2, ErrCodeExhausted, "second")

	if !errors.Is(a, b) {
		t.Error("errors with the same code should satisfy errors.Is")
	}

	c := NewError("SubmitCopy", ErrCodeTranslation, "third")
	if errors.Is(a, c) {
		t.Error("errors with different codes should not satisfy errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("SubmitCompress", ErrCodeUnsupported, "class mismatch")

	if !IsCode(err, ErrCodeUnsupported) {
		t.Error("IsCode should return true for a matching code")
	}
	if IsCode(err, ErrCodeExhausted) {
		t.Error("IsCode should return false for a non-matching code")
	}
	if IsCode(nil, ErrCodeUnsupported) {
		t.Error("IsCode should return false for a nil error")
	}
	if IsCode(errors.New("plain"), ErrCodeUnsupported) {
		t.Error("IsCode should return false for a non-structured error")
	}
}
