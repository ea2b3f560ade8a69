package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/frahmantamala/identity-mesh/internal"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Federation drives the redirect handshake with the identity provider. The
// target service_name travels as the opaque oauth2 state and comes back on
// the callback.
type Federation struct {
	oauth       *oauth2.Config
	userInfoURL string
}

func NewFederation(cfg internal.FederationConfig) *Federation {
	return &Federation{
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: googleUserInfoURL,
	}
}

func (f *Federation) Configured() bool {
	return f.oauth.ClientID != "" && f.oauth.ClientSecret != ""
}

// AuthURL builds the provider redirect carrying state.
func (f *Federation) AuthURL(state string) string {
	return f.oauth.AuthCodeURL(state)
}

// Exchange trades the callback code for the provider's profile.
func (f *Federation) Exchange(ctx context.Context, code string) (FederatedProfile, error) {
	token, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return FederatedProfile{}, fmt.Errorf("code exchange failed: %w", err)
	}

	resp, err := f.oauth.Client(ctx, token).Get(f.userInfoURL)
	if err != nil {
		return FederatedProfile{}, fmt.Errorf("userinfo fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FederatedProfile{}, fmt.Errorf("userinfo fetch failed: status %d", resp.StatusCode)
	}

	var profile FederatedProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return FederatedProfile{}, fmt.Errorf("userinfo decode failed: %w", err)
	}

	return profile, nil
}
