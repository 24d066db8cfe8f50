package query

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/serial-entry/internal/obs"
)

// Instrumented wraps a Finder with a span and a latency observation per query.
type Instrumented struct {
	Next Finder
}

// Find implements Finder.
func (i Instrumented) Find(ctx context.Context, req Request) *Future {
	ctx, span := otel.Tracer("serial-entry/query").Start(ctx, "query.find")
	span.SetAttributes(
		attribute.String("query.name", req.Name),
		attribute.String("query.info_area", req.InfoArea),
	)
	start := time.Now()
	fut := i.Next.Find(ctx, req)
	go func() {
		<-fut.Done()
		_, err := fut.Wait(context.Background())
		result := "ok"
		switch {
		case fut.Cancelled():
			result = "cancelled"
		case err != nil:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		obs.ObserveQuery(req.Name, result, time.Since(start))
		span.End()
	}()
	return fut
}
