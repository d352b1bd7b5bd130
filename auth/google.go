package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleProvider runs the Google OAuth code flow and maps the returned
// profile onto a local account.
type GoogleProvider struct {
	config      *oauth2.Config
	frontendURL string
}

// NewGoogleProvider builds the provider. Returns nil when the client
// credentials are not configured; the OAuth endpoints then report the flow
// as disabled.
func NewGoogleProvider(clientID, clientSecret, redirectURL, frontendURL string) *GoogleProvider {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"https://www.googleapis.com/auth/userinfo.profile", "https://www.googleapis.com/auth/userinfo.email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		frontendURL: frontendURL,
	}
}

type googleProfile struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// userInfo exchanges the authorization code and fetches the Google profile.
func (p *GoogleProvider) userInfo(ctx context.Context, code string) (*googleProfile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	resp, err := p.config.Client(ctx, token).Get(googleUserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, body)
	}

	var profile googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("userinfo decode failed: %w", err)
	}
	if profile.ID == "" || profile.Email == "" {
		return nil, fmt.Errorf("userinfo response missing id or email")
	}
	return &profile, nil
}

func (h *Handler) googleRedirect(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, http.StatusServiceUnavailable, "Google OAuth is not configured")
		return
	}
	state := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   600,
	})
	http.Redirect(w, r, h.google.config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (h *Handler) googleCallback(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		writeError(w, http.StatusServiceUnavailable, "Google OAuth is not configured")
		return
	}

	fail := func(reason string) {
		http.Redirect(w, r, h.google.frontendURL+"/login?error="+url.QueryEscape(reason), http.StatusTemporaryRedirect)
	}

	state, err := r.Cookie("oauth_state")
	if err != nil || state.Value == "" || r.URL.Query().Get("state") != state.Value {
		fail("google_auth_failed")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		fail("google_auth_failed")
		return
	}

	profile, err := h.google.userInfo(r.Context(), code)
	if err != nil {
		slog.Error("google oauth failed", "error", err)
		fail("google_auth_failed")
		return
	}

	user, err := h.store.FindOrCreateGoogleUser(r.Context(), profile.ID, profile.Email, profile.Name, profile.Picture)
	if err != nil {
		slog.Error("google user resolution failed", "error", err)
		fail("auth_failed")
		return
	}

	if err := h.store.SetOnline(r.Context(), user.ID, true); err != nil {
		slog.Error("online flag update failed", "userId", user.ID, "error", err)
	}
	user.IsOnline = true

	token, err := h.tokens.Sign(user.ID)
	if err != nil {
		slog.Error("token signing failed", "userId", user.ID, "error", err)
		fail("auth_failed")
		return
	}

	userJSON, err := json.Marshal(user)
	if err != nil {
		fail("auth_failed")
		return
	}

	redirect := fmt.Sprintf("%s/auth/success?token=%s&user=%s",
		h.google.frontendURL, url.QueryEscape(token), url.QueryEscape(string(userJSON)))
	http.Redirect(w, r, redirect, http.StatusTemporaryRedirect)
}

func (h *Handler) googleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"enabled": h.google != nil,
	})
}
