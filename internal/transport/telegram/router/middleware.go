package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "broadcastbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware decorates a handler. wrap applies them outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

func wrap(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ownerGate answers non-owners with the unauthorized reply and never calls
// the handler. Owners are read on every request so reloads apply at once.
func (r *Router) ownerGate(access Access) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if access == AccessOwnerOnly && !r.isOwner(req.FromID) {
				req.Logger.Warn("unauthorized message", logx.String("cmd", req.Command))
				return req.Reply(ctx, r.adapter, unauthorizedText)
			}
			return next(ctx, req)
		}
	}
}

// recoverPanic turns a handler panic into an error and tells the operator
// the command failed. The router worker keeps running.
func (r *Router) recoverPanic() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("handler panicked",
						logx.String("cmd", req.Command),
						logx.Any("panic", p),
						logx.String("stack", string(debug.Stack())),
					)
					_ = req.Reply(context.WithoutCancel(ctx), r.adapter, "⚠️ internal error, see logs")
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logRequest records the outcome. Slow handlers are raised to info.
func logRequest(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			cmd := req.Command
			if cmd == "" {
				cmd = "message"
			}
			fields := []logx.Field{logx.String("cmd", cmd), logx.Duration("took", took)}
			switch {
			case err != nil:
				req.Logger.Warn("operator request failed", append(fields, logx.Err(err))...)
			case took >= slow:
				req.Logger.Info("operator request slow", fields...)
			default:
				req.Logger.Debug("operator request handled", fields...)
			}
			return err
		}
	}
}

func withDeadline(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}
