//go:build windows

package supervisor

import "os/exec"

func configureCommandProcess(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
