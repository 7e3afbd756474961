package testutil

import (
	"os/exec"
)

func CommandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	if err != nil {
		return false
	}
	return true
}
