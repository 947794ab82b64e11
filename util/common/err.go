// Package common provides shared helper utilities for error handling and
// formatting used across certdesk.
package common

import (
	"errors"
	"fmt"

	"certdesk/logger"
)

func NewErrorf(format string, a ...any) error {
	msg := fmt.Sprintf(format, a...)
	return errors.New(msg)
}

func NewError(a ...any) error {
	msg := fmt.Sprintln(a...)
	return errors.New(msg)
}

// Combine merges multiple errors into one, skipping nils.
func Combine(errs ...error) error {
	errText := ""
	for _, err := range errs {
		if err != nil {
			if errText == "" {
				errText = err.Error()
			} else {
				errText += ", " + err.Error()
			}
		}
	}
	if errText != "" {
		return errors.New(errText)
	}
	return nil
}

func Recover(msg string) any {
	panicErr := recover()
	if panicErr != nil {
		if msg != "" {
			logger.Error(msg, "panic:", panicErr)
		}
	}
	return panicErr
}
