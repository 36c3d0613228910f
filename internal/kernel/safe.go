package kernel

import "fmt"

// runSafely executes fn and converts a panic into an error carrying scope.
// Every kernel-managed goroutine and lifecycle hook runs through it so a
// misbehaving module cannot take the process down.
func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s: panic: %v", scope, recovered)
		}
	}()

	return fn()
}
