package pipeline

import "context"

// Filter forwards the values keep accepts and drops the rest. The output
// closes when the input does or ctx ends.
func Filter[T any](ctx context.Context, in <-chan T, keep func(T) bool) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for v := range in {
			if !keep(v) {
				continue
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Batch groups consecutive values into slices of up to size. The tail batch
// may be short; it flushes when the input closes.
func Batch[T any](ctx context.Context, in <-chan T, size int) <-chan []T {
	if size < 1 {
		size = 1
	}
	out := make(chan []T)
	go func() {
		defer close(out)
		batch := make([]T, 0, size)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case out <- batch:
				batch = make([]T, 0, size)
				return true
			case <-ctx.Done():
				return false
			}
		}
		for v := range in {
			batch = append(batch, v)
			if len(batch) == size && !flush() {
				return
			}
		}
		flush()
	}()
	return out
}

// Merge fans several inputs into one output, closing it once every input
// closes.
func Merge[T any](ctx context.Context, ins ...<-chan T) <-chan T {
	out := make(chan T)
	done := make(chan struct{}, len(ins))
	for _, in := range ins {
		go func(in <-chan T) {
			defer func() { done <- struct{}{} }()
			for v := range in {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}
	go func() {
		for range ins {
			<-done
		}
		close(out)
	}()
	return out
}
