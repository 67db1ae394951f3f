package headless

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seoscope/seoscope/internal/scrape"
)

func TestNoopFetchFailsPermanently(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), scrape.FetchRequest{Keyword: "best coffee"})
	require.Error(t, err)

	// Retrying cannot help when no browser is configured, so the error must
	// not be retriable or the pool would burn every attempt.
	require.False(t, scrape.IsRetriable(err))
}
