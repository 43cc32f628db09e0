//go:build !unix

package fleet

import (
	"os/exec"
)

const StartScriptName = "start.bat"

func shellCommand(script string) *exec.Cmd {
	return exec.Command("cmd", "/C", script)
}

func configureProcess(*exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
