//go:build !linux

package chromium

import "os/exec"

func killAfterParent(cmd *exec.Cmd) {}
