// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package jmapclient wraps the JMAP session and exposes the handful of
// batched method calls the sync engine needs: Email/changes, Email/query,
// Email/get, Email/set, Mailbox/get, Mailbox/set, blob download, and
// EmailSubmission/set for the `send` subcommand.
package jmapclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jmap "git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail"
	"golang.org/x/time/rate"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
)

// Client is a thin wrapper around *jmap.Client, adding session
// resolution, retry/backoff, and the account id resolved for the mail
// capability.
type Client struct {
	jc          *jmap.Client
	accountID   jmap.ID
	http        *http.Client
	retries     int
	timeout     time.Duration
	concurrency int
	compatMode  bool // true once the server has rejected a path-style patch

	// limiter paces every call this client makes (including retries), so
	// a hot retry loop against a struggling server doesn't itself become
	// a source of load. One token is reserved per attempt in withRetry.
	limiter *rate.Limiter
}

// basicAuthTransport adds HTTP Basic credentials to every request; used
// unless the configured credential is explicitly a bearer token.
type basicAuthTransport struct {
	username, password string
	base                http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(req)
}

// Dial resolves the session endpoint (explicit URL, then FQDN
// well-known, then username-domain well-known, in that priority order),
// authenticates, and resolves the primary mail account id.
func Dial(cfg *config.Config, credential string, bearer bool) (*Client, error) {
	endpoint, err := resolveSessionEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.TimeoutDuration()}
	jc := &jmap.Client{
		SessionEndpoint: endpoint,
		HttpClient:      httpClient,
	}

	if bearer {
		jc.WithAccessToken(credential)
	} else {
		httpClient.Transport = &basicAuthTransport{
			username: cfg.Username,
			password: credential,
			base:     http.DefaultTransport,
		}
	}

	if err := jc.Authenticate(); err != nil {
		return nil, &AuthError{Err: err}
	}

	accountID := jc.Session.PrimaryAccounts[mail.URI]
	if accountID == "" {
		return nil, fmt.Errorf("jmapclient: no primary mail account in session")
	}

	concurrency := cfg.ConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Client{
		jc:          jc,
		accountID:   accountID,
		http:        httpClient,
		retries:     cfg.Retries,
		timeout:     cfg.TimeoutDuration(),
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(concurrency), concurrency),
	}, nil
}

// resolveSessionEndpoint tries, in order: an explicit configured URL;
// a configured FQDN's well-known document; the configured username's
// domain well-known document.
func resolveSessionEndpoint(cfg *config.Config) (string, error) {
	if cfg.SessionURL != "" {
		return cfg.SessionURL, nil
	}
	if cfg.FQDN != "" {
		return wellKnownURL(cfg.FQDN), nil
	}
	at := strings.LastIndexByte(cfg.Username, '@')
	if at < 0 || at == len(cfg.Username)-1 {
		return "", fmt.Errorf("jmapclient: cannot derive session URL from username %q", cfg.Username)
	}
	return wellKnownURL(cfg.Username[at+1:]), nil
}

func wellKnownURL(domain string) string {
	return fmt.Sprintf("https://%s/.well-known/jmap", domain)
}

// State returns the session's current state token, used by callers that
// need to detect a session refresh independent of a mailbox/email state.
func (c *Client) State() string {
	return c.jc.Session.State
}

// AccountID returns the resolved primary mail account id.
func (c *Client) AccountID() jmap.ID {
	return c.accountID
}
