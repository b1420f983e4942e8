package httpfrag

import (
	"context"
	"fmt"

	"buyme-realtime/pkg/logger"

	"resty.dev/v3"
)

// Fetcher retrieves server-rendered question/answer HTML fragments. The
// marketplace renders the fragment; this only fetches it on question and
// answer events.
type Fetcher struct {
	client *resty.Client
	log    logger.Logger
}

func NewFetcher(baseURL string, log logger.Logger) *Fetcher {
	client := resty.New().SetBaseURL(baseURL)
	return &Fetcher{client: client, log: log}
}

func (f *Fetcher) FetchQuestionsFragment(ctx context.Context, auctionID string) (string, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/auction/%s/questions", auctionID))
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("fragment fetch returned %s", resp.Status())
	}

	f.log.Debug("Fetched questions fragment", "auction_id", auctionID, "bytes", len(resp.String()))
	return resp.String(), nil
}

func (f *Fetcher) Close() error {
	return f.client.Close()
}
