package util

import (
	"context"
	"os"
	"testing"
)

func TestMergeEnvAppends(t *testing.T) {
	merged := MergeEnv([]string{"UBACKUP_TEST_VAR=1"})
	if len(merged) != len(os.Environ())+1 {
		t.Fatalf("merged length = %d, want %d", len(merged), len(os.Environ())+1)
	}
	if merged[len(merged)-1] != "UBACKUP_TEST_VAR=1" {
		t.Fatalf("extra entry missing: %v", merged[len(merged)-1])
	}
}

func TestCommandMergesEnv(t *testing.T) {
	cmd := Command(context.Background(), "true", nil, map[string]string{"UBACKUP_TEST_VAR": "1"})
	var found bool
	for _, entry := range cmd.Env {
		if entry == "UBACKUP_TEST_VAR=1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("extra env entry not merged into command env")
	}
	if len(cmd.Env) < len(os.Environ()) {
		t.Fatalf("process env was dropped")
	}
}
