//go:build unix

package fleet

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// StartScriptName is the start script looked up in every template.
const StartScriptName = "start.sh"

func shellCommand(script string) *exec.Cmd {
	return exec.Command("/bin/sh", script)
}

// configureProcess puts the worker in its own process group so that a forced
// kill also reaches whatever the script started.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
