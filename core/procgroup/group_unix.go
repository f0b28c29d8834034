//go:build !windows

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func groupID(pid int) int {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

func interrupt(_ *exec.Cmd, pgid int) error {
	return ignoreGone(unix.Kill(-pgid, unix.SIGTERM))
}

func kill(_ *exec.Cmd, pgid int) error {
	return ignoreGone(unix.Kill(-pgid, unix.SIGKILL))
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
