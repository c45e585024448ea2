package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestScopeHelpers(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")

	tests := []struct {
		name       string
		err        error
		connection bool
		table      bool
		record     bool
	}{
		{"connection", NewConnection("north", cause), true, false, false},
		{"query", NewQuery("customers", cause), false, true, false},
		{"busy", Wrap(ErrTableBusy, "north/customers"), false, true, false},
		{"transform", NewTransform("12", "missing id"), false, false, true},
		{"upsert", NewUpsert("12", cause), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnection(tt.err); got != tt.connection {
				t.Errorf("IsConnection = %v, want %v", got, tt.connection)
			}
			if got := IsTableLevel(tt.err); got != tt.table {
				t.Errorf("IsTableLevel = %v, want %v", got, tt.table)
			}
			if got := IsRecordLevel(tt.err); got != tt.record {
				t.Errorf("IsRecordLevel = %v, want %v", got, tt.record)
			}
		})
	}
}

func TestConstructorsKeepCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewQuery("sales", cause)

	if !Is(err, cause) {
		t.Error("query error should wrap its cause")
	}
	if !strings.Contains(err.Error(), `table "sales"`) {
		t.Errorf("message %q should name the table", err.Error())
	}
}

func TestDeadlineBecomesTimeout(t *testing.T) {
	err := NewConnection("south", context.DeadlineExceeded)

	if !IsTimeout(err) {
		t.Error("deadline should be reported as timeout")
	}
	if !Is(err, ErrTimeout) {
		t.Error("ErrTimeout should be in the chain")
	}
	if !IsConnection(err) {
		t.Error("timeout on connect is still a connection error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("empty collector should return nil")
	}

	v.AddField("sources[0].id", "cannot be empty")
	v.AddMissing("sources[1].driver")
	v.Add(nil)

	err := v.Err()
	if err == nil {
		t.Fatal("expected error")
	}
	if len(v.Errors) != 2 {
		t.Fatalf("collected %d errors, want 2", len(v.Errors))
	}
	if !Is(err, ErrMissingField) || !Is(err, ErrInvalidConfig) {
		t.Error("every collected error should be reachable via errors.Is")
	}
	if !strings.Contains(err.Error(), "validation failed with 2 errors") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
