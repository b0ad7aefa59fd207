package safe

import (
	"fmt"
	"reflect"

	"chatgate/logger"
	"chatgate/tools/errs"

	"go.uber.org/zap"
)

// MustNotNil panics if the given value is nil.
// Useful for enforcing required fields during struct initialization.
func MustNotNil(v any, name string) {
	rv := reflect.ValueOf(v)
	if v == nil || (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
		panic(fmt.Sprintf("%s must not be nil", name))
	}
}

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover logs a recovered panic with its stack. Use as `defer safe.Recover("x")`.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("[SafeGo] panic recovered", zap.String("task", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}
