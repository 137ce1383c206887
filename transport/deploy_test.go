// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
	"time"
)

func TestDeployedProcessAwaitExitOnNaturalExit(t *testing.T) {
	t.Parallel()

	deploy := ExecDeploy{
		Command: func(string) (string, []string) { return "true", nil },
	}
	process, err := deploy.DeployKernel(context.Background(), "")
	if err != nil {
		t.Fatalf("DeployKernel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, exited := process.AwaitExit(ctx)
	if !exited {
		t.Fatal("AwaitExit: expected the process to have exited")
	}
	if code != 0 {
		t.Errorf("got exit code %d, want 0", code)
	}
}

func TestDeployedProcessAwaitOrKillEscalates(t *testing.T) {
	t.Parallel()

	deploy := ExecDeploy{
		Command: func(string) (string, []string) { return "sleep", []string{"30"} },
	}
	process, err := deploy.DeployKernel(context.Background(), "")
	if err != nil {
		t.Fatalf("DeployKernel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := process.AwaitOrKill(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("AwaitOrKill: %v", err)
	}

	code, exited := process.ExitStatus()
	if !exited {
		t.Fatal("ExitStatus: expected the process to have exited after AwaitOrKill")
	}
	if code == 0 {
		t.Error("expected a non-zero exit code for a killed process")
	}
}
