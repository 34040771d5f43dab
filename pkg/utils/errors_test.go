package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestStageError(t *testing.T) {
	base := errors.New("command failed (exit 1): bad command name")
	se := NewStageError("commands", "interfaces", base)

	if se.Error() != "commands interfaces: command failed (exit 1): bad command name" {
		t.Errorf("unexpected message: %q", se.Error())
	}
	if !errors.Is(se, base) {
		t.Error("expected StageError to unwrap to the original error")
	}

	var target *StageError
	if !errors.As(fmt.Errorf("outer: %w", se), &target) || target.Item != "interfaces" {
		t.Error("expected errors.As to see through wrapping")
	}
}

func TestStageErrorWithoutItem(t *testing.T) {
	se := NewStageError("files", "", ErrNotConnected)
	if se.Error() != "files: not connected to router" {
		t.Errorf("unexpected message: %q", se.Error())
	}
	if !errors.Is(se, ErrNotConnected) {
		t.Error("expected errors.Is to match the sentinel")
	}
}

func TestNewStageErrorNil(t *testing.T) {
	se := NewStageError("snmp", "", nil)
	if se.Err == nil {
		t.Fatal("expected a placeholder error")
	}
}
