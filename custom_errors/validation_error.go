package custom_errors

import (
	"errors"
	"fmt"
)

// ValidationError collects every problem found while validating a value so
// callers can report them together instead of one at a time.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	if err == nil {
		return
	}
	c.Errors = append(c.Errors, err)
}

// AddField records a problem with a named field.
func (c *ValidationError) AddField(field, message string) {
	c.Errors = append(c.Errors, fmt.Errorf("%s: %s", field, message))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

// Err returns c when it holds errors and nil otherwise.
func (c *ValidationError) Err() error {
	if !c.HasError() {
		return nil
	}
	return c
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return errors.Join(c.Errors...).Error()
}

func (c *ValidationError) Unwrap() []error {
	return c.Errors
}
