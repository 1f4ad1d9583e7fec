package health

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunAll_CollectsResults(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("transport", func(ctx context.Context) Status { return StatusDegraded })
	c.Register("store", func(ctx context.Context) Status { return StatusOK })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusDegraded, results["transport"])
	assert.Equal(t, StatusOK, results["store"])
	assert.Equal(t, results, c.Cached())
}

func TestIsReady_DegradedIsStillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("transport", func(ctx context.Context) Status { return StatusDegraded })
	assert.True(t, c.IsReady(context.Background()))

	c.Register("store", func(ctx context.Context) Status { return StatusDown })
	assert.False(t, c.IsReady(context.Background()))
}

func TestIsReady_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}
