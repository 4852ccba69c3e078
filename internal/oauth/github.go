// Package oauth implements the GitHub login flow. The rest of the system
// only sees the resulting Identity; session issuance and user upsert
// happen in the HTTP layer.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authorizeURL   = "https://github.com/login/oauth/authorize"
	accessTokenURL = "https://github.com/login/oauth/access_token"
	userAPIURL     = "https://api.github.com/user"
	emailsAPIURL   = "https://api.github.com/user/emails"
)

// Identity is the tuple a successful exchange produces.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	Username       string
	AvatarURL      string
}

// GitHub drives the OAuth code exchange against github.com.
type GitHub struct {
	clientID     string
	clientSecret string
	redirectURL  string
	client       *http.Client
}

// NewGitHub builds a GitHub client. Any empty argument leaves the client
// unconfigured; handlers check Configured before offering the flow.
func NewGitHub(clientID, clientSecret, redirectURL string) *GitHub {
	return &GitHub{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether the full credential triple is present.
func (g *GitHub) Configured() bool {
	return g.clientID != "" && g.clientSecret != "" && g.redirectURL != ""
}

// NewState mints an unguessable state parameter.
func NewState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AuthURL returns the GitHub authorization URL for the given state.
func (g *GitHub) AuthURL(state string) string {
	q := url.Values{
		"client_id":    {g.clientID},
		"redirect_uri": {g.redirectURL},
		"scope":        {"user:email"},
		"state":        {state},
	}
	return authorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for an access token.
func (g *GitHub) Exchange(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {g.clientID},
		"client_secret": {g.clientSecret},
		"code":          {code},
		"redirect_uri":  {g.redirectURL},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, accessTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth: token exchange: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("oauth: decode token response: %w", err)
	}
	if body.Error != "" {
		return "", fmt.Errorf("oauth: github rejected code: %s", body.ErrorDescription)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("oauth: empty access token")
	}
	return body.AccessToken, nil
}

// FetchUser resolves the token's GitHub account to an Identity. Falls back
// to the emails API when the profile hides the email.
func (g *GitHub) FetchUser(ctx context.Context, accessToken string) (*Identity, error) {
	var profile struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := g.getJSON(ctx, userAPIURL, accessToken, &profile); err != nil {
		return nil, err
	}

	email := profile.Email
	if email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := g.getJSON(ctx, emailsAPIURL, accessToken, &emails); err != nil {
			return nil, err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
	}
	if email == "" {
		return nil, fmt.Errorf("oauth: github account has no usable email")
	}

	return &Identity{
		Provider:       "github",
		ProviderUserID: fmt.Sprintf("%d", profile.ID),
		Email:          email,
		Username:       profile.Login,
		AvatarURL:      profile.AvatarURL,
	}, nil
}

func (g *GitHub) getJSON(ctx context.Context, apiURL, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: github api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth: github api status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("oauth: decode github response: %w", err)
	}
	return nil
}
