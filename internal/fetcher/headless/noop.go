package headless

import (
	"context"
	"errors"

	"github.com/seoscope/seoscope/internal/scrape"
)

// Noop implements Fetcher but always returns an error to indicate that
// headless browsing is not available in the current build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails. The error is permanent: retrying cannot conjure a
// browser, so units that need one fail on their first attempt.
func (Noop) Fetch(_ context.Context, _ scrape.FetchRequest) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{}, scrape.NewPermanentError(scrape.FetchErrOther, errors.New("headless fetcher not configured"))
}
