package auth

// LoginAttempt is the pending login stored between login and callback.
type LoginAttempt struct {
	State    string `json:"state"`
	Realm    string `json:"realm"`
	ClientID string `json:"client_id"`
}

// Credential holds the tokens issued to a session.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Realm        string `json:"realm"`
	ClientID     string `json:"client_id,omitempty"`
}

// TokenResponse mirrors the provider's token endpoint reply.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token,omitempty"`
	NotBeforePolicy  int64  `json:"not-before-policy,omitempty"`
	SessionState     string `json:"session_state,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// UserInfo contains the standard claims returned from the userinfo endpoint.
type UserInfo struct {
	Subject           string `json:"sub"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// Validation is the result of ValidateToken.
type Validation struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

const (
	MessageNoToken      = "No token"
	MessageTokenValid   = "Token is valid"
	MessageTokenInvalid = "Token is invalid or expired"
)
