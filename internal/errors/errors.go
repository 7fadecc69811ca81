package errors

import (
	"fmt"
	"strings"
	"sync"
)

// Collector accumulates errors from a pass that keeps going after the first
// failure, such as artifact verification.
type Collector struct {
	errors []*Error
	mutex  sync.RWMutex
}

// NewCollector creates a new error collector
func NewCollector() *Collector {
	return &Collector{errors: make([]*Error, 0)}
}

// Add adds an error to the collector
func (c *Collector) Add(err *Error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.errors = append(c.errors, err)
}

// Errors returns a copy of all collected errors
func (c *Collector) Errors() []*Error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]*Error, len(c.errors))
	copy(result, c.errors)
	return result
}

// HasErrors returns true if there are any errors
func (c *Collector) HasErrors() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.errors) > 0
}

// Err folds the collected errors into a single *Error of the given type and
// code, or returns nil when nothing was collected.
func (c *Collector) Err(errType ErrorType, code string) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	switch len(c.errors) {
	case 0:
		return nil
	case 1:
		return c.errors[0]
	}

	messages := make([]string, len(c.errors))
	for i, err := range c.errors {
		messages[i] = err.Error()
	}

	return &Error{
		Type:    errType,
		Code:    code,
		Message: fmt.Sprintf("%d problems: %s", len(c.errors), strings.Join(messages, "; ")),
		Cause:   c.errors[0],
	}
}
