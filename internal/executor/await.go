package executor

import (
	"fmt"
	"log/slog"

	"github.com/roach88/livedoc/internal/model"
)

// Await runs call on its own goroutine and delivers the outcome to then as a
// task on ex. A panic in call becomes an ErrUnexpectedTaskFailure error.
//
// If ex has shut down the continuation is dropped; nothing may touch shard
// state off the shard goroutine.
func Await[T any](ex Executor, name string, call func() (T, error), then func(T, error)) {
	go func() {
		value, err := protect(call)
		if !ex.Execute(name, func() { then(value, err) }) {
			slog.Debug("continuation dropped, executor shut down", "task", name)
		}
	}()
}

func protect[T any](call func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.WrapError(model.ErrUnexpectedTaskFailure, "async call panicked", fmt.Errorf("%v", r))
		}
	}()
	return call()
}
