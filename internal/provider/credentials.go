package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"stridesync/internal/domain"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// refresh exchanges the user's refresh token for a new pair. Concurrent callers for the
// same user share one exchange, and a caller holding a token that was already replaced
// gets the stored credentials without another exchange. The exchange ignores the starting
// caller's cancellation; each caller stops waiting when its own ctx is done.
func (c *Client) refresh(ctx context.Context, userID int64, staleToken string) (domain.Credentials, error) {
	ch := c.refreshes.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		current, err := c.creds.GetUserCredentials(rctx, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "load credentials for user %d", userID)
		}
		if current.AccessToken != staleToken && !current.Expiring(c.timeNow(), expirySkew) {
			return current, nil
		}
		return c.exchange(rctx, current)
	})

	select {
	case <-ctx.Done():
		return domain.Credentials{}, errors.Wrapf(ctx.Err(), "wait for credential refresh for user %d", userID)
	case res := <-ch:
		if res.Err != nil {
			return domain.Credentials{}, res.Err
		}
		if res.Shared {
			log.Debug().Int64("user_id", userID).Msg("joined in-flight credential refresh")
		}
		return res.Val.(domain.Credentials), nil
	}
}

func (c *Client) exchange(ctx context.Context, current domain.Credentials) (domain.Credentials, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Credentials{}, errors.Wrap(err, "create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(ctx, req)
	if err != nil {
		return domain.Credentials{}, errors.Wrap(err, "refresh token")
	}
	switch {
	case raw.status == http.StatusBadRequest || raw.status == http.StatusUnauthorized:
		return domain.Credentials{}, errors.Wrapf(ErrUnauthorized, "refresh token for user %d: HTTP %d", current.UserID, raw.status)
	case raw.status < 200 || raw.status >= 300:
		return domain.Credentials{}, errors.Wrap(&APIError{StatusCode: raw.status, Body: string(raw.body)}, "refresh token")
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw.body, &tr); err != nil {
		return domain.Credentials{}, errors.Wrap(err, "decode token response")
	}
	if tr.AccessToken == "" {
		return domain.Credentials{}, errors.New("token response missing access_token")
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = current.RefreshToken
	}
	var expiresAt time.Time
	if tr.ExpiresAt > 0 {
		expiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	}

	if err := c.creds.UpdateUserCredentials(ctx, current.UserID, tr.AccessToken, tr.RefreshToken, expiresAt); err != nil {
		return domain.Credentials{}, errors.Wrapf(err, "store refreshed credentials for user %d", current.UserID)
	}
	log.Info().Int64("user_id", current.UserID).Time("expires_at", expiresAt).Msg("refreshed provider credentials")

	return domain.Credentials{
		UserID:       current.UserID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}
