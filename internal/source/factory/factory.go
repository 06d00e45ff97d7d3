// Package factory turns a stored account row into a connected Source
// adapter. It is the single place that dispatches on account type, and
// the only place secrets are decrypted.
package factory

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailvault/internal/model"
	"github.com/nhle/mailvault/internal/source"
	"github.com/nhle/mailvault/internal/source/gmail"
	"github.com/nhle/mailvault/internal/source/imapsrc"
	"github.com/nhle/mailvault/internal/source/o365"
	"github.com/nhle/mailvault/internal/vault"
)

// TokenSink receives refreshed OAuth access tokens so they can be
// persisted before the next cycle.
type TokenSink func(ctx context.Context, accountID int64, accessToken string, expiry time.Time) error

// New builds the adapter for an account. Vault failures surface as
// ConfigError: the account is skipped, the scheduler keeps running.
func New(ctx context.Context, acc *model.Account, v *vault.Vault, sink TokenSink, logger *slog.Logger) (source.Source, error) {
	switch acc.Type {
	case model.AccountIMAP:
		password, err := decryptField(v, acc, acc.PasswordEnc, "password")
		if err != nil {
			return nil, err
		}
		return imapsrc.New(imapsrc.Config{
			Account:         acc.Name,
			Host:            acc.Host,
			Port:            acc.Port,
			Username:        acc.Username,
			Password:        password,
			UseSSL:          acc.UseSSL,
			RequireStartTLS: acc.RequireStartTLS,
		}, logger), nil

	case model.AccountGmail:
		ts, err := tokenSource(ctx, acc, v, sink, oauth2.Config{
			ClientID: acc.OAuthClientID,
			Endpoint: google.Endpoint,
			Scopes:   []string{gmailapi.GmailModifyScope},
		})
		if err != nil {
			return nil, err
		}
		return gmail.New(ctx, acc.Name, ts, logger)

	case model.AccountO365:
		ts, err := tokenSource(ctx, acc, v, sink, oauth2.Config{
			ClientID: acc.OAuthClientID,
			Endpoint: microsoft.AzureADEndpoint("common"),
			Scopes:   []string{"https://graph.microsoft.com/Mail.ReadWrite", "offline_access"},
		})
		if err != nil {
			return nil, err
		}
		return o365.New(ctx, acc.Name, ts, logger), nil
	}

	return nil, &source.ConfigError{
		Account: acc.Name,
		Reason:  "unknown account type " + string(acc.Type),
	}
}

// tokenSource builds an auto-refreshing token source seeded from the
// stored access/refresh tokens, reporting refreshed tokens to the sink.
func tokenSource(ctx context.Context, acc *model.Account, v *vault.Vault, sink TokenSink, cfg oauth2.Config) (oauth2.TokenSource, error) {
	secret, err := decryptField(v, acc, acc.OAuthClientSecretEnc, "oauth client secret")
	if err != nil {
		return nil, err
	}
	refresh, err := decryptField(v, acc, acc.OAuthRefreshTokenEnc, "oauth refresh token")
	if err != nil {
		return nil, err
	}
	cfg.ClientSecret = secret

	tok := &oauth2.Token{RefreshToken: refresh}
	if acc.OAuthAccessToken != nil {
		tok.AccessToken = *acc.OAuthAccessToken
	}
	if acc.OAuthTokenExpiry != nil {
		tok.Expiry = *acc.OAuthTokenExpiry
	}

	inner := cfg.TokenSource(ctx, tok)
	if sink == nil {
		return inner, nil
	}
	return &persistingTokenSource{
		ctx:       ctx,
		inner:     inner,
		accountID: acc.ID,
		sink:      sink,
		last:      tok.AccessToken,
	}, nil
}

func decryptField(v *vault.Vault, acc *model.Account, enc *string, field string) (string, error) {
	if enc == nil || *enc == "" {
		return "", &source.ConfigError{Account: acc.Name, Reason: "no " + field + " configured"}
	}
	plain, err := v.Decrypt(*enc)
	if err != nil {
		return "", &source.ConfigError{
			Account: acc.Name,
			Reason:  "cannot decrypt " + field,
			Err:     err,
		}
	}
	return plain, nil
}

// persistingTokenSource forwards Token() to the wrapped source and
// reports newly minted access tokens exactly once each.
type persistingTokenSource struct {
	ctx       context.Context
	inner     oauth2.TokenSource
	accountID int64
	sink      TokenSink
	last      string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.sink(p.ctx, p.accountID, tok.AccessToken, tok.Expiry); err != nil {
			// Persisting is best effort; the token itself is valid.
			return tok, nil
		}
	}
	return tok, nil
}
