//go:build windows

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsContainment assigns every spawned child to a Job Object created
// with JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE, so closing the handle kills
// the child and every descendant it spawned — the authoritative
// mechanism called out in §4.I.2 and §9.
type windowsContainment struct {
	job windows.Handle
}

func newContainment() containment {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return &windowsContainment{job: 0}
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)

	return &windowsContainment{job: job}
}

func (c *windowsContainment) prepare(cmd *exec.Cmd) {
	// CREATE_NO_WINDOW: the child has no visible console (§4.I.1).
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// adopt assigns the just-started child to the Job Object. There is a
// small window between Start and this call during which a
// fast-exiting/fast-forking child could escape containment; the pack's
// own attempts at this pattern (posix Setpgid-only detachment) accept
// the same class of race, so this does too rather than adding
// CREATE_SUSPENDED thread-handle juggling for a narrow window.
func (c *windowsContainment) adopt(cmd *exec.Cmd) error {
	if c.job == 0 || cmd.Process == nil {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
	if err != nil {
		return fmt.Errorf("open process for job assignment: %w", err)
	}
	defer windows.CloseHandle(h)

	if err := windows.AssignProcessToJobObject(c.job, h); err != nil {
		return fmt.Errorf("assign to job object: %w", err)
	}
	return nil
}

func (c *windowsContainment) killTree(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (c *windowsContainment) dispose() {
	if c.job != 0 {
		windows.CloseHandle(c.job)
		c.job = 0
	}
}

// politeStop calls os.Process.Signal(os.Interrupt). On Windows Go's
// os.Process.Signal supports only os.Kill and returns an error for
// os.Interrupt, so no close request reaches the child; Stop then waits
// out its grace period and falls through to killTree.
func politeStop(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}
}
