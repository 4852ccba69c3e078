package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferxgate/internal/auth"
	"github.com/nulpointcorp/inferxgate/internal/oauth"
	"github.com/nulpointcorp/inferxgate/internal/store"
	"github.com/nulpointcorp/inferxgate/pkg/apierr"
)

const (
	minPasswordLength = 8
	oauthStatePrefix  = "oauth:state:"
	oauthStateTTL     = 10 * time.Minute
)

type (
	registerRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username,omitempty"`
	}
	loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	sessionResponse struct {
		Token     string      `json:"token"`
		ExpiresAt time.Time   `json:"expires_at"`
		User      *store.User `json:"user"`
	}
)

// emailDomainAllowed checks the registration allow-list. Empty list = any.
func (g *Gateway) emailDomainAllowed(email string) bool {
	if len(g.allowedDomains) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range g.allowedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// issueSession signs a token for the user and records the server-side
// session so logout can revoke it before expiry.
func (g *Gateway) issueSession(ctx *fasthttp.RequestCtx, user *store.User) (*sessionResponse, error) {
	token, expiresAt, err := g.tokens.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if _, err := g.store.CreateSession(ctx, user.ID, auth.TokenHash(token), expiresAt); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sessionResponse{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// handleRegister implements POST /auth/register.
func (g *Gateway) handleRegister(ctx *fasthttp.RequestCtx) {
	if g.store == nil || g.tokens == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"user accounts are not available without a database",
			apierr.TypeServerError)
		return
	}

	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"a valid email is required", apierr.TypeInvalidRequest)
		return
	}
	if !g.emailDomainAllowed(req.Email) {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"email domain is not allowed", apierr.TypeInvalidRequest)
		return
	}
	if len(req.Password) < minPasswordLength {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength),
			apierr.TypeInvalidRequest)
		return
	}

	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to hash password", apierr.TypeServerError)
		return
	}

	user, err := g.store.CreateUser(ctx, req.Email, req.Username, hash, "user")
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"email is already registered", apierr.TypeInvalidRequest)
			return
		}
		g.log.ErrorContext(ctx, "register_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to create user", apierr.TypeServerError)
		return
	}

	sess, err := g.issueSession(ctx, user)
	if err != nil {
		g.log.ErrorContext(ctx, "session_issue_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to create session", apierr.TypeServerError)
		return
	}
	writeJSON(ctx, sess)
}

// handleLogin implements POST /auth/login.
func (g *Gateway) handleLogin(ctx *fasthttp.RequestCtx) {
	if g.store == nil || g.tokens == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"user accounts are not available without a database",
			apierr.TypeServerError)
		return
	}

	var req loginRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	user, err := g.store.UserByEmail(ctx, req.Email)
	if err != nil {
		// Burn a hash either way so a probe cannot tell unknown emails apart.
		auth.EqualizeTiming(req.Password)
		apierr.WriteAuth(ctx, "invalid email or password")
		return
	}
	if user.PasswordHash == "" || !auth.VerifySecret(user.PasswordHash, req.Password) {
		apierr.WriteAuth(ctx, "invalid email or password")
		return
	}

	sess, err := g.issueSession(ctx, user)
	if err != nil {
		g.log.ErrorContext(ctx, "session_issue_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to create session", apierr.TypeServerError)
		return
	}
	writeJSON(ctx, sess)
}

// handleLogout implements POST /auth/logout. Deletes every session for the
// user, invalidating all outstanding tokens.
func (g *Gateway) handleLogout(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if principal.User != nil && g.store != nil {
		if err := g.store.DeleteUserSessions(ctx, principal.User.ID); err != nil {
			g.log.WarnContext(ctx, "logout_session_delete_failed",
				slog.String("user_id", principal.User.ID),
				slog.String("error", err.Error()))
		}
	}
	writeJSON(ctx, map[string]bool{"success": true})
}

// handleMe implements GET /auth/me.
func (g *Gateway) handleMe(ctx *fasthttp.RequestCtx) {
	principal, err := g.auth.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}
	if principal.User == nil {
		apierr.WriteNotFound(ctx, "no user record for this principal")
		return
	}
	writeJSON(ctx, principal.User)
}

// handleOAuthGithub implements GET /auth/oauth/github: returns the provider
// authorization URL and a one-time state value.
func (g *Gateway) handleOAuthGithub(ctx *fasthttp.RequestCtx) {
	if g.oauth == nil || !g.oauth.Configured() {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"github oauth is not configured", apierr.TypeInvalidRequest)
		return
	}
	state, err := oauth.NewState()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to generate state", apierr.TypeServerError)
		return
	}
	// Remember the state so the callback can reject forged redirects.
	// Without Redis the check is skipped.
	if g.redis != nil {
		if err := g.redis.Set(ctx, oauthStatePrefix+state, "1", oauthStateTTL).Err(); err != nil {
			g.log.WarnContext(ctx, "oauth_state_store_failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(ctx, map[string]string{
		"auth_url": g.oauth.AuthURL(state),
		"state":    state,
	})
}

// handleOAuthCallback implements GET /auth/oauth/callback. On success the
// browser is redirected to the frontend with the session token and the
// base64url-encoded user record in the query string.
func (g *Gateway) handleOAuthCallback(ctx *fasthttp.RequestCtx) {
	if g.oauth == nil || !g.oauth.Configured() || g.store == nil || g.tokens == nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"github oauth is not configured", apierr.TypeInvalidRequest)
		return
	}

	code := string(ctx.QueryArgs().Peek("code"))
	state := string(ctx.QueryArgs().Peek("state"))
	if code == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"missing 'code' parameter", apierr.TypeInvalidRequest)
		return
	}
	if g.redis != nil && state != "" {
		n, err := g.redis.Del(ctx, oauthStatePrefix+state).Result()
		if err == nil && n == 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"unknown or expired oauth state", apierr.TypeInvalidRequest)
			return
		}
	}

	accessToken, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		g.log.WarnContext(ctx, "oauth_exchange_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"oauth code exchange failed", apierr.TypeInvalidRequest)
		return
	}
	identity, err := g.oauth.FetchUser(ctx, accessToken)
	if err != nil {
		g.log.WarnContext(ctx, "oauth_userinfo_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"failed to fetch github profile", apierr.TypeInvalidRequest)
		return
	}

	user, err := g.store.UpsertOAuthUser(ctx,
		identity.Provider, identity.ProviderUserID, identity.Email, identity.Username, identity.AvatarURL)
	if err != nil {
		g.log.ErrorContext(ctx, "oauth_upsert_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to link account", apierr.TypeServerError)
		return
	}

	sess, err := g.issueSession(ctx, user)
	if err != nil {
		g.log.ErrorContext(ctx, "session_issue_failed", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to create session", apierr.TypeServerError)
		return
	}

	rawUser, _ := json.Marshal(user)
	dest := strings.TrimRight(g.frontendURL, "/") + "/auth/callback?token=" +
		url.QueryEscape(sess.Token) + "&user=" +
		base64.RawURLEncoding.EncodeToString(rawUser)
	ctx.Redirect(dest, fasthttp.StatusFound)
}
