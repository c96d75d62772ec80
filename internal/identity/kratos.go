package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
)

// KratosClient verifies sessions against the Kratos whoami endpoint.
type KratosClient struct {
	baseURL string
	client  *http.Client
}

// NewKratosClient creates a verifier for the given Kratos public URL.
func NewKratosClient(baseURL string) *KratosClient {
	return &KratosClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type whoamiResponse struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at"`
	Identity  struct {
		ID string `json:"id"`
	} `json:"identity"`
}

// Verify forwards the credential to whoami and maps the response to a
// session. An inactive or rejected session is an authentication failure;
// an unreachable identity provider is a server failure, never a logout.
func (k *KratosClient) Verify(ctx context.Context, cred Credential) (Session, error) {
	if cred.Empty() {
		return Session{}, syncerr.New(syncerr.Unauthenticated, "no session credential")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/sessions/whoami", nil)
	if err != nil {
		return Session{}, syncerr.Wrap(syncerr.Internal, err, "build whoami request")
	}
	if cred.Token != "" {
		req.Header.Set("X-Session-Token", cred.Token)
	} else {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: cred.Cookie})
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return Session{}, syncerr.Wrap(syncerr.Internal, err, "identity provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Session{}, syncerr.New(syncerr.Unauthenticated, "session rejected")
	default:
		return Session{}, syncerr.New(syncerr.Internal, "identity provider returned %d", resp.StatusCode)
	}

	var who whoamiResponse
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return Session{}, syncerr.Wrap(syncerr.Internal, err, "decode whoami response")
	}
	if !who.Active || who.Identity.ID == "" {
		return Session{}, syncerr.New(syncerr.Unauthenticated, "session inactive")
	}

	return Session{
		UserID:    ids.UserID(who.Identity.ID),
		SessionID: who.ID,
		ExpiresAt: who.ExpiresAt,
	}, nil
}
