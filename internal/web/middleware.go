package web

import (
	"chordauth/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// TraceLoggerMiddleware logs each request with the trace and span ids set by otelgin.
func TraceLoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := []logger.Field{
			{Key: "method", Value: c.Request.Method},
			{Key: "path", Value: c.Request.URL.Path},
		}

		span := trace.SpanFromContext(c.Request.Context())
		if sc := span.SpanContext(); sc.IsValid() {
			c.Set("trace_id", sc.TraceID().String())
			c.Set("span_id", sc.SpanID().String())
			fields = append(fields,
				logger.Field{Key: "trace_id", Value: sc.TraceID().String()},
				logger.Field{Key: "span_id", Value: sc.SpanID().String()},
			)
		}

		log.Debug("incoming request", fields...)
		c.Next()
		log.Info("request completed", append(fields, logger.Field{Key: "status", Value: c.Writer.Status()})...)
	}
}
