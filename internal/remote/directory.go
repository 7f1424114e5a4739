package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/cryptox"
)

// HTTPDirectory is the public-key directory client.
type HTTPDirectory struct {
	rc      *resty.Client
	session SessionProvider
}

var _ DirectoryClient = (*HTTPDirectory)(nil)

func NewHTTPDirectory(baseURL string, session SessionProvider) *HTTPDirectory {
	return &HTTPDirectory{
		rc:      resty.New().SetBaseURL(baseURL),
		session: session,
	}
}

func (c *HTTPDirectory) GetPublicKeys(ctx context.Context, handle string) (cryptox.PublicKeys, error) {
	token, err := c.session.Token()
	if err != nil {
		return cryptox.PublicKeys{}, err
	}

	var out cryptox.PublicKeys
	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		Get("/v1/keys/" + url.PathEscape(handle))
	if err != nil {
		return cryptox.PublicKeys{}, fmt.Errorf("fetching keys for %s: %w", handle, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return cryptox.PublicKeys{}, common.ErrKeyNotFound
	}
	if resp.IsError() {
		return cryptox.PublicKeys{}, fmt.Errorf("fetching keys for %s: %s", handle, resp.Status())
	}
	return out, nil
}

func (c *HTTPDirectory) PublishPublicKeys(ctx context.Context, handle string, keys cryptox.PublicKeys) error {
	token, err := c.session.Token()
	if err != nil {
		return err
	}

	resp, err := c.rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(keys).
		Put("/v1/keys/" + url.PathEscape(handle))
	if err != nil {
		return fmt.Errorf("publishing keys for %s: %w", handle, err)
	}
	if resp.IsError() {
		return fmt.Errorf("publishing keys for %s: %s", handle, resp.Status())
	}
	return nil
}
