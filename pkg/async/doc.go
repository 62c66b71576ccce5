// Package async runs fire-and-forget background tasks safely.
//
// A Runner gives every task panic recovery, a timeout and structured error
// logging. Tasks are detached from the caller's cancellation but keep its
// values (request id, logger). Wait drains in-flight tasks during shutdown.
//
//	runner := async.NewRunner(logger)
//	runner.Go(ctx, 10*time.Second, "password reset notification", send)
//	sm.RegisterShutdownFunc("background tasks", runner.Wait)
package async
