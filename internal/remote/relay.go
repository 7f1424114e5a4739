package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/models"
)

// RelayClient talks to the relay: inbox queue and send API.
type RelayClient struct {
	rc      *resty.Client
	session SessionProvider
}

var (
	_ QueueClient = (*RelayClient)(nil)
	_ SendClient  = (*RelayClient)(nil)
)

// NewRelayClient builds a relay client for the given base URL.
func NewRelayClient(baseURL string, session SessionProvider) *RelayClient {
	return &RelayClient{
		rc:      resty.New().SetBaseURL(baseURL),
		session: session,
	}
}

func (c *RelayClient) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.session.Token()
	if err != nil {
		return nil, err
	}
	return c.rc.R().SetContext(ctx).SetAuthToken(token), nil
}

type fetchBatchResponse struct {
	Items []models.QueuedItem `json:"items"`
}

func (c *RelayClient) FetchBatch(ctx context.Context, limit int) ([]models.QueuedItem, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}

	var out fetchBatchResponse
	resp, err := req.
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&out).
		Get("/v1/inbox")
	if err != nil {
		return nil, fmt.Errorf("fetching inbox batch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetching inbox batch: %s", resp.Status())
	}
	return out.Items, nil
}

type acknowledgeRequest struct {
	IDs []string `json:"ids"`
}

func (c *RelayClient) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetBody(acknowledgeRequest{IDs: ids}).
		Post("/v1/inbox/ack")
	if err != nil {
		return fmt.Errorf("acknowledging items: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("acknowledging items: %s", resp.Status())
	}
	return nil
}

func (c *RelayClient) Send(ctx context.Context, env models.Envelope) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetBody(env).
		Post("/v1/messages")
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrSendFailure, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return common.ErrorUnauthorized
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s", common.ErrSendFailure, resp.Status())
	}
	return nil
}
