package transport

// Result is the tagged outcome of every client call. Err is set exactly
// when Success is false.
type Result[T any] struct {
	Success bool
	Data    T
	Err     error
}

func succeed[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func failWith[T any](err error) Result[T] {
	return Result[T]{Err: err}
}
