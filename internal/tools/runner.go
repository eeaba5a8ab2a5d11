// Package tools provides host command execution helpers shared by gadget
// maintenance paths.
package tools

import "os/exec"

// CommandRunner abstracts host command execution so module reload paths can
// be faked in tests.
type CommandRunner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
