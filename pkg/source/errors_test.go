package source

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSourceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *SourceError
		contains []string
	}{
		{
			name:     "transient without status",
			err:      &SourceError{Page: 3, Class: ErrorClassTransient, Message: "empty record set"},
			contains: []string{"transient", "page 3", "empty record set"},
		},
		{
			name:     "fatal with status",
			err:      &SourceError{Page: 9, Class: ErrorClassFatal, StatusCode: 404, Message: "404 Not Found"},
			contains: []string{"fatal", "status 404", "404 Not Found"},
		},
		{
			name:     "connection with cause",
			err:      &SourceError{Page: 1, Class: ErrorClassConnection, Message: "request failed", Err: errors.New("connection refused")},
			contains: []string{"connection", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestSourceError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("fetch: %w", &SourceError{Class: ErrorClassConnection, Err: cause})

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !IsConnection(err) {
		t.Error("IsConnection should see through wrapping")
	}
	if IsTransient(err) {
		t.Error("connection error reported as transient")
	}
}

func TestClassOf(t *testing.T) {
	if ClassOf(errors.New("plain")) != "" {
		t.Error("plain error should have no class")
	}
	if ClassOf(&SourceError{Class: ErrorClassFatal}) != ErrorClassFatal {
		t.Error("fatal class not reported")
	}
}
