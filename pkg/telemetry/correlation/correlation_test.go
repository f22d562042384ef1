package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "abc")
	_, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "abc", cid)

	ctx, generated := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, ExtractCorrelationID(ctx))
}

func TestAttributesWithoutSpan(t *testing.T) {
	attrs := Attributes(ContextWithCorrelationID(context.Background(), "cid-1"))
	assert.Equal(t, "cid-1", attrs["correlation_id"])
	_, hasTrace := attrs["trace_id"]
	assert.False(t, hasTrace)
}
