/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0.
 */

package wcerrors

import (
	"errors"
	"testing"
)

func TestCategoryFatal(t *testing.T) {
	if !CategoryConfig.Fatal() {
		t.Error("CategoryConfig should be fatal")
	}
	for _, c := range []Category{CategoryTransport, CategoryDecode, CategoryProtocol, CategoryDeadline, CategoryControl} {
		if c.Fatal() {
			t.Errorf("%s should not be fatal", c)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"frame too short", FrameTooShort(), "DECODE: frame too short"},
		{"bad length", BadLength(10, 3), "DECODE: bad frame length (declared 10, got 3)"},
		{"unknown kind", UnknownKind("BOGUS"), "DECODE: unknown frame kind (BOGUS)"},
		{"deadline miss", DeadlineMiss(7), "DEADLINE: vote deadline exceeded (round_id=7)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Transport("bind failed", cause)
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestIsAndCode(t *testing.T) {
	e := Config("--id", "must be >= 1")
	if !Is(e, CategoryConfig) {
		t.Error("expected Is(e, CategoryConfig) to be true")
	}
	if Code(e) != CategoryConfig {
		t.Errorf("Code() = %v, want %v", Code(e), CategoryConfig)
	}
	if Code(errors.New("plain")) != "" {
		t.Error("Code() of a plain error should be empty")
	}
}

func TestUserMessage(t *testing.T) {
	e := Control("ping failed", errors.New("timeout"))
	msg := e.UserMessage()
	if msg == "" {
		t.Error("UserMessage should not be empty")
	}
}
