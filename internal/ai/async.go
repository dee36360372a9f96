package ai

import "context"

// CompleteAsync runs client.Complete in a goroutine and delivers exactly one
// Result on the returned channel. Cancelling ctx cancels the request.
func CompleteAsync(ctx context.Context, client Client, req Request) <-chan Result {
	ch := make(chan Result, 1)

	go func() {
		defer close(ch)
		msg, err := client.Complete(ctx, req)
		ch <- Result{Message: msg, Err: err}
	}()

	return ch
}
