package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// confirmationPage is served to the browser once the authorization
// code has been captured on the loopback listener.
const confirmationPage = `<!DOCTYPE html>
<html>
<head><title>Signed in</title></head>
<body>
<p>Sign-in complete. You can close this tab and return to the application.</p>
</body>
</html>
`

// Broker owns the single mutable credential for one account.  All
// acquisition paths are serialized: concurrent callers during an
// expired-token window share one refresh rather than racing rotations
// that could invalidate each other's tokens.
type Broker struct {
	conf    *oauth2.Config
	store   Store
	account string

	// ctx backs refreshes and rotation persistence performed by
	// clients long after the acquiring call returned.  It must not
	// be tied to any one caller's request context.
	ctx context.Context

	// openURL launches the user's browser.  Overridable in tests.
	openURL func(url string) error

	mu sync.Mutex
}

// NewBroker returns a broker for the given account.  conf must carry
// the client credentials, scopes and endpoint; the redirect URL is
// assigned per login from the loopback listener.
func NewBroker(conf *oauth2.Config, store Store, account string) *Broker {
	return &Broker{
		conf:    conf,
		store:   store,
		account: account,
		ctx:     context.Background(),
		openURL: OpenURL,
	}
}

// Client returns an HTTP client bound to a current credential,
// refreshing or interactively acquiring one as needed.  The
// interactive path blocks until the user completes or abandons the
// consent flow; callers needing a bound wait must wrap ctx.
//
// ctx scopes only this acquisition.  The returned client outlives it:
// later refreshes run on the broker's own context, so canceling the
// acquiring call does not poison the client.
func (b *Broker) Client(ctx context.Context) (*http.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok, err := b.currentToken(ctx, true)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, b.reuseSource(tok)), nil
}

// Login forces the interactive authorization flow, replacing any
// stored credential.
func (b *Broker) Login(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err := b.interactiveLogin(ctx)
	return err
}

// Logout deletes the stored credential.
func (b *Broker) Logout(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.Delete(ctx, b.account); err != nil {
		return &Error{Kind: KindStore, Err: err}
	}
	return nil
}

// HasValidToken reports whether a stored credential exists and can be
// refreshed.  A rejected refresh token deletes the credential, so the
// next call observes its absence.
func (b *Broker) HasValidToken(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok, err := b.currentToken(ctx, false)
	return err == nil && tok != nil
}

// currentToken loads and refreshes the stored credential.  With
// interactive set, a missing or permanently invalid credential falls
// through to the interactive flow; otherwise currentToken returns
// (nil, nil) for a missing credential.
func (b *Broker) currentToken(ctx context.Context, interactive bool) (*oauth2.Token, error) {
	tok, err := b.store.Load(ctx, b.account)
	if err != nil {
		return nil, &Error{Kind: KindStore, Err: err}
	}
	if tok != nil {
		fresh, err := b.conf.TokenSource(ctx, tok).Token()
		if err == nil {
			if fresh.AccessToken != tok.AccessToken {
				if err := b.store.Save(ctx, b.account, fresh); err != nil {
					return nil, &Error{Kind: KindStore, Err: err}
				}
			}
			return fresh, nil
		}
		if !isInvalidGrant(err) {
			// Transient failures (network, server) leave the
			// stored credential untouched and propagate.
			return nil, errors.Wrap(err, "token refresh failed")
		}
		log.Printf("stored credential rejected with invalid_grant; deleting")
		if err := b.store.Delete(ctx, b.account); err != nil {
			return nil, &Error{Kind: KindStore, Err: err}
		}
	}
	if !interactive {
		return nil, nil
	}
	return b.interactiveLogin(ctx)
}

// interactiveLogin runs the authorization-code-with-PKCE flow against
// a loopback redirect and persists the resulting bundle.
func (b *Broker) interactiveLogin(ctx context.Context) (*oauth2.Token, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := randomState()
	if err != nil {
		return nil, errors.Wrap(err, "could not generate state")
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "could not bind loopback listener")
	}
	defer lis.Close()

	conf := *b.conf
	conf.RedirectURL = fmt.Sprintf("http://%s/", lis.Addr().String())

	authURL := conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"))
	if err := b.openURL(authURL); err != nil {
		log.Printf("could not open browser automatically: %v", err)
		log.Printf("visit this URL to authorize: %s", authURL)
	}

	code, err := waitForCallback(ctx, lis, state)
	if err != nil {
		return nil, err
	}

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, &Error{Kind: KindExchange, Err: err}
	}
	if err := b.store.Save(ctx, b.account, tok); err != nil {
		return nil, &Error{Kind: KindStore, Err: err}
	}
	return tok, nil
}

// reuseSource wraps the config token source so that silent rotations
// performed mid-flight by the HTTP client are written back to the
// store.  Server-side invalidation can happen at any time regardless
// of the client's expiry bookkeeping, so persistence follows every
// rotation rather than trusting the recorded expiry.  Both the
// refresh and the write-back run on the broker's long-lived context.
func (b *Broker) reuseSource(tok *oauth2.Token) oauth2.TokenSource {
	src := &persistingTokenSource{
		broker: b,
		ctx:    b.ctx,
		src:    b.conf.TokenSource(b.ctx, tok),
		last:   tok.AccessToken,
	}
	return oauth2.ReuseTokenSource(tok, src)
}

type persistingTokenSource struct {
	broker *Broker
	ctx    context.Context
	src    oauth2.TokenSource
	last   string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.broker.store.Save(s.ctx, s.broker.account, tok); err != nil {
			log.Printf("could not persist rotated credential: %v", err)
		}
	}
	return tok, nil
}

// waitForCallback serves the loopback listener until the provider
// redirects back with an authorization code or an error.
func waitForCallback(ctx context.Context, lis net.Listener, state string) (string, error) {
	type callback struct {
		code string
		err  error
	}
	done := make(chan callback, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		// Browsers also request /favicon.ico; only the redirect
		// carries code or error parameters.
		if q.Get("code") == "" && q.Get("error") == "" {
			http.NotFound(w, r)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization failed: "+e, http.StatusBadRequest)
			done <- callback{err: &Error{Kind: KindConsentDenied, Err: errors.New(e)}}
			return
		}
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- callback{err: errors.New("authorization state mismatch")}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, confirmationPage)
		done <- callback{code: q.Get("code")}
	})}
	go srv.Serve(lis)
	defer srv.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case cb := <-done:
		return cb.code, cb.err
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// isInvalidGrant classifies a refresh failure as permanent.  The
// provider reports it either in the structured error code or, for
// older endpoints, only in the response body.
func isInvalidGrant(err error) bool {
	if re, ok := errors.Cause(err).(*oauth2.RetrieveError); ok {
		if re.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(string(re.Body), "invalid_grant")
	}
	return false
}
