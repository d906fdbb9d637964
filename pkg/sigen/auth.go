package sigen

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sigentools/sigen-go/pkg/log"
)

const (
	oauthTokenPath    = "auth/oauth/token"
	oauthClientID     = "sigen"
	oauthClientSecret = "sigen"

	// AES key and IV used by the vendor's apps to encrypt the password
	// before the OAuth password grant.
	passwordAESKey = "sigensigensigenp"
	passwordAESIV  = "sigensigensigenp"

	// A token within this margin of its expiry is treated as expired so an
	// in-flight request cannot race the deadline.
	tokenExpiryMargin = 30 * time.Second
)

// encryptPassword applies the AES-CBC + base64 transformation the Sigenergy
// OAuth flow expects instead of the raw password.
func encryptPassword(password string) (string, error) {
	block, err := aes.NewCipher([]byte(passwordAESKey))
	if err != nil {
		return "", err
	}

	plain := pkcs7Pad([]byte(password), aes.BlockSize)
	enc := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, []byte(passwordAESIV)).CryptBlocks(enc, plain)

	return base64.StdEncoding.EncodeToString(enc), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// tokenSource owns the OAuth session for one client. It implements
// oauth2.TokenSource; TokenContext is the context-aware variant the client
// uses internally.
//
// A single mutex covers the whole check-refresh-replace path: the token is
// only ever swapped wholesale while the mutex is held, and a caller arriving
// during an in-flight refresh blocks on the mutex and then reuses the fresh
// token instead of issuing a duplicate request.
type tokenSource struct {
	client            *http.Client
	baseURL           string
	username          string
	encryptedPassword string

	mu    sync.Mutex
	token *oauth2.Token
}

var _ oauth2.TokenSource = (*tokenSource)(nil)

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	return ts.TokenContext(context.Background())
}

// TokenContext returns a valid token, logging in or refreshing first when the
// cached one is absent or within the expiry margin.
func (ts *tokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.valid() {
		return ts.token, nil
	}

	if ts.token != nil && ts.token.RefreshToken != "" {
		tok, err := ts.refresh(ctx, ts.token.RefreshToken)
		if err == nil {
			ts.token = tok
			return tok, nil
		}
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return nil, err
		}
		// Refresh token revoked or expired, fall back to a full login.
		log.Ctx(ctx).DebugContext(ctx, "token refresh failed, logging in again", slog.Any("error", err))
	}

	tok, err := ts.login(ctx)
	if err != nil {
		return nil, err
	}
	ts.token = tok
	return tok, nil
}

// valid reports whether the cached token can still be used. Must be called
// with ts.mu held.
func (ts *tokenSource) valid() bool {
	return ts.token != nil && ts.token.AccessToken != "" &&
		time.Until(ts.token.Expiry) > tokenExpiryMargin
}

// invalidate drops the cached access token so the next TokenContext call
// refreshes. Used when the server rejects a request with 401.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != nil {
		ts.token = &oauth2.Token{RefreshToken: ts.token.RefreshToken}
	}
}

func (ts *tokenSource) login(ctx context.Context) (*oauth2.Token, error) {
	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("username", ts.username)
	data.Set("password", ts.encryptedPassword)

	tok, err := ts.exchange(ctx, data)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, &AuthError{Op: "login", Err: err}
	}
	log.Ctx(ctx).DebugContext(ctx, "logged in to sigen cloud", slog.String("username", ts.username))
	return tok, nil
}

func (ts *tokenSource) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	tok, err := ts.exchange(ctx, data)
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return nil, err
		}
		return nil, &AuthError{Op: "refresh", Err: err}
	}
	log.Ctx(ctx).DebugContext(ctx, "refreshed sigen access token")
	return tok, nil
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// exchange performs one call to the token endpoint. Client credentials go in
// the basic auth header; the token fields come back under the vendor's "data"
// envelope rather than at the top level.
func (ts *tokenSource) exchange(ctx context.Context, data url.Values) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+oauthTokenPath,
		strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(oauthClientID, oauthClientSecret)

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env struct {
		Data *tokenPayload `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if env.Data == nil || env.Data.AccessToken == "" || env.Data.RefreshToken == "" || env.Data.ExpiresIn == 0 {
		return nil, fmt.Errorf("token response missing fields: %s", strings.TrimSpace(string(body)))
	}

	return &oauth2.Token{
		AccessToken:  env.Data.AccessToken,
		RefreshToken: env.Data.RefreshToken,
		TokenType:    "bearer",
		Expiry:       time.Now().Add(time.Duration(env.Data.ExpiresIn) * time.Second),
	}, nil
}
