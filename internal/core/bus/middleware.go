package bus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"unitflow/internal/core/uow"
	"unitflow/pkg/logger"
)

var tracer = otel.Tracer("unitflow/bus")

// Logging logs every command dispatch with its outcome and duration.
func Logging() Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, msg any) error {
			start := time.Now()
			err := next(ctx, msg)
			if err != nil {
				logger.Error(ctx, "command failed",
					"command", name, "duration", time.Since(start), "error", err)
				return err
			}
			logger.Debug(ctx, "command handled",
				"command", name, "duration", time.Since(start))
			return nil
		}
	}
}

// Tracing opens a span per command dispatch.
func Tracing() Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, msg any) error {
			ctx, span := tracer.Start(ctx, "command",
				trace.WithAttributes(attribute.String("bus.command", name)))
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// Transactional runs each command handler inside a unit-of-work scope, so a
// failing handler rolls back everything it wrote, including outbox rows.
func Transactional[C any](u *uow.UnitOfWork[C], opts uow.Options) Middleware {
	return func(name string, next Handler) Handler {
		return func(ctx context.Context, msg any) error {
			return u.ScopeWithOptions(ctx, opts, func(ctx context.Context) error {
				return next(ctx, msg)
			})
		}
	}
}
