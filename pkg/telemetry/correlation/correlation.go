package correlation

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// HeaderName carries the correlation ID across service boundaries.
const HeaderName = "X-Correlation-Id"

const maxIDLength = 128

type idKey struct{}

// ExtractCorrelationID returns the correlation ID on ctx, or "".
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(idKey{}).(string)
	return id
}

// ContextWithCorrelationID stores id on ctx. Blank ids are ignored.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, id)
}

// EnsureCorrelationID returns ctx carrying a correlation ID, minting a ULID when
// none is present. Debits and scheduler runs share one ID across retries.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// GinMiddleware adopts the caller's correlation ID or mints one, and echoes it back.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := strings.TrimSpace(c.GetHeader(HeaderName)); incoming != "" && len(incoming) <= maxIDLength {
			ctx = ContextWithCorrelationID(ctx, incoming)
		}
		ctx, cid := EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderName, cid)
		c.Next()
	}
}

// SpanProcessor stamps every span with the correlation ID found on its start context.
type SpanProcessor struct{}

func (SpanProcessor) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		s.SetAttributes(attribute.String("correlation_id", cid))
	}
}

func (SpanProcessor) OnEnd(sdktrace.ReadOnlySpan) {}

func (SpanProcessor) Shutdown(context.Context) error { return nil }

func (SpanProcessor) ForceFlush(context.Context) error { return nil }
