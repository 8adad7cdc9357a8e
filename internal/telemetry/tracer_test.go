package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("specforge-test", &buf, nil)
	if err != nil {
		t.Fatalf("init tracer: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "collaborator.chat")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "collaborator.chat") {
		t.Fatalf("span not exported: %s", buf.String())
	}
}
