package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
)

func TestReadCredentialFromFlag(t *testing.T) {
	cmd := &cobra.Command{}

	got, err := readCredential(cmd, "xoxb-token")
	if err != nil {
		t.Fatalf("readCredential() error = %v", err)
	}
	if got != "xoxb-token" {
		t.Errorf("credential = %q, want %q", got, "xoxb-token")
	}
}

func TestReadCredentialFromStdin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(bytes.NewBufferString("  piped-secret \n"))

	got, err := readCredential(cmd, "")
	if err != nil {
		t.Fatalf("readCredential() error = %v", err)
	}
	if got != "piped-secret" {
		t.Errorf("credential = %q, want %q", got, "piped-secret")
	}
}

func TestReadCredentialEmptyStdin(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(bytes.NewBuffer(nil))

	if _, err := readCredential(cmd, ""); err == nil {
		t.Fatal("expected error for empty stdin, got nil")
	}
}
