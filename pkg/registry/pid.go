package registry

import "os"

func currentPID() int {
	return os.Getpid()
}
