package main

import "fmt"

// exitError is returned by the root command to control the process exit code
// without printing cobra's usage noise on top.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit %d", e.code)
}
