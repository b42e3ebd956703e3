// Package identity is the boundary to the identity provider. The sync engine
// only ever asks two questions: what is the current credential, and who is
// the current user. Token issuance and password handling live elsewhere.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	// ErrNotLoggedIn means no credentials file exists yet; the caller must
	// complete login before connecting.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrNoCredential means the credentials file exists but holds no usable
	// token, e.g. a partially written file.
	ErrNoCredential = errors.New("no credential available")
)

// Provider supplies the current credential and user id.
type Provider interface {
	Credential(ctx context.Context) (string, error)
	UserID(ctx context.Context) (string, error)
}

type credentials struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

// FileProvider reads credentials.toml from the profile directory. The login
// flow writes that file; a short settle delay on the first read tolerates
// slow storage backends that have not flushed it yet.
type FileProvider struct {
	path        string
	settleDelay time.Duration

	mu      sync.Mutex
	settled bool
}

// NewFileProvider creates a provider for the given credentials path.
func NewFileProvider(path string, settleDelay time.Duration) *FileProvider {
	return &FileProvider{path: path, settleDelay: settleDelay}
}

// Credential returns the current access token.
func (p *FileProvider) Credential(ctx context.Context) (string, error) {
	creds, err := p.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.AccessToken == "" {
		return "", ErrNoCredential
	}
	return creds.AccessToken, nil
}

// UserID returns the stable user identifier.
func (p *FileProvider) UserID(ctx context.Context) (string, error) {
	creds, err := p.load(ctx)
	if err != nil {
		return "", err
	}
	if creds.UserID == "" {
		return "", ErrNoCredential
	}
	return creds.UserID, nil
}

func (p *FileProvider) load(ctx context.Context) (*credentials, error) {
	p.waitSettle(ctx)

	var creds credentials
	if _, err := toml.DecodeFile(p.path, &creds); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return &creds, nil
}

// waitSettle sleeps once, on the very first read after process start.
func (p *FileProvider) waitSettle(ctx context.Context) {
	p.mu.Lock()
	first := !p.settled
	p.settled = true
	p.mu.Unlock()
	if !first || p.settleDelay <= 0 {
		return
	}
	select {
	case <-time.After(p.settleDelay):
	case <-ctx.Done():
	}
}

// Save writes a credentials file. Used by the login flow and by tests.
func Save(path, accessToken, userID string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(credentials{AccessToken: accessToken, UserID: userID})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
