// Package scheduler provides a small generic worker pool. Callers submit
// Work functions and receive a Future resolving to the work's result; the
// pool bounds concurrency and queues overflow in submission order.
//
// Typical use:
//
//	pool := scheduler.NewPool[string](4)
//	defer pool.Close()
//
//	fut := pool.Submit(func(ctx context.Context) (string, error) {
//		return claim(ctx, busID)
//	})
//	v, err := fut.Wait(ctx)
//
// Closing the pool cancels the context passed to queued and running work.
package scheduler
