//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// posixContainment detaches the child into its own process group
// (Setpgid) so a tree-kill can reach descendants it spawns, following
// the pattern used for daemon detachment across the pack (Setpgid:
// true). This is strictly weaker than the Windows Job Object guarantee
// (§9): a descendant that re-parents itself into a new session escapes
// it.
type posixContainment struct{}

func newContainment() containment { return &posixContainment{} }

func (c *posixContainment) prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (c *posixContainment) adopt(cmd *exec.Cmd) error { return nil }

func (c *posixContainment) killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if p, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, child := range children {
				child.Kill()
			}
		}
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func (c *posixContainment) dispose() {}

func politeStop(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
}
