package util

import (
	"time"

	"github.com/pkg/errors"
)

// WaitOrTimeout runs wait in a goroutine and returns an error if it has not
// completed within timeout. Intended for tests.
func WaitOrTimeout(wait func(), timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Errorf("timed out after %s", timeout)
	}
}
