// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

func set(cmd *exec.Cmd) {
	// Process groups as used here are a POSIX concept; on Windows we rely on
	// killing the root process only.
}

// Kill terminates the command's root process. Signal selection is ignored on
// Windows; anything stronger than a no-op maps to TerminateProcess.
func Kill(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		if err.Error() == "os: process already finished" {
			return nil
		}
		return err
	}
	return nil
}
