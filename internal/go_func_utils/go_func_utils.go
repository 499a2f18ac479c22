package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn in a goroutine. A panic is written to the logger with its
// stack before being re-raised, because the console view swallows stderr.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// SafeGoWG is SafeGo tracked by wg
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	SafeGo(logger, func() {
		defer wg.Done()
		fn()
	})
}

// Recover converts a panic in fn into a returned value so sibling work can
// continue. The panic is logged with its stack.
func Recover(logger *log.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("PANIC (recovered): %v\n%s", r, debug.Stack())
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

// PanicError carries a recovered panic value
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "panic: " + toString(e.Value)
}

func toString(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return "non-error panic value"
	}
}
