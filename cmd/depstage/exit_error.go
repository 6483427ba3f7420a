// SPDX-License-Identifier: MPL-2.0

package main

import "fmt"

// Exit codes. Usage errors are distinct from check failures so scripts can
// tell "you called it wrong" from "the tests failed".
const (
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitError signals a specific exit code without forcing os.Exit in RunE
// handlers.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
