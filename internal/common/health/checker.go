package health

import (
	"sync"

	"github.com/pkg/errors"
)

// Checker is implemented by components that can report on their own health.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete has been called.
type StartupCompleteChecker struct {
	mutex    sync.RWMutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a plain function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
