package platform

import (
	"reflect"
	"strings"
	"testing"
)

func TestNewRegistry_GetAndNames(t *testing.T) {
	slack := NewMockAdapter("slack")
	discord := NewMockAdapter("discord")

	reg, err := NewRegistry(slack, discord)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := reg.Get("slack")
	if err != nil {
		t.Fatalf("Get(slack): %v", err)
	}
	if got != Adapter(slack) {
		t.Error("Get(slack) returned wrong adapter")
	}

	if names := reg.Names(); !reflect.DeepEqual(names, []string{"discord", "slack"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistry_UnknownPlatform(t *testing.T) {
	reg, err := NewRegistry(NewMockAdapter("slack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Get("telegram"); err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestNewRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(NewMockAdapter("slack"), NewMockAdapter("slack"))
	if err == nil {
		t.Fatal("expected error for duplicate adapter")
	}
	if !strings.Contains(err.Error(), `duplicate adapter for "slack"`) {
		t.Errorf("error = %q", err)
	}
}

func TestNewRegistry_EmptyName(t *testing.T) {
	_, err := NewRegistry(NewMockAdapter(""))
	if err == nil {
		t.Fatal("expected error for empty platform name")
	}
}
