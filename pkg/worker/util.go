package worker

import "os"

func currentPID() int {
	return os.Getpid()
}

func osUserHomeDirOrEmpty() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return h
}
