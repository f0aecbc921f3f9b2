package kernel

import (
	"fmt"
	"runtime/debug"
)

// SafeExecute executes a function with panic recovery.
// If the function panics, the panic is logged and an error is returned.
// The operation parameter is used for logging context.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeExecuteWithResult executes a function with panic recovery and returns both result and error.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			var zero T
			result = zero
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}

// SafeGo runs a goroutine with panic recovery.
// If the goroutine panics, the panic is logged and the onPanic callback is called.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

func logPanic(logger Logger, event, operation string, r any) {
	if logger == nil {
		return
	}
	logger.Error(event,
		"operation", operation,
		"panic", r,
		"stack", string(debug.Stack()),
	)
}
