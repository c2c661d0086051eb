package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

type fakeStore struct {
	mu      sync.Mutex
	tok     *oauth2.Token
	saves   int
	deletes int
}

func (s *fakeStore) Load(ctx context.Context, account string) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, nil
}

func (s *fakeStore) Save(ctx context.Context, account string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	s.saves++
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = nil
	s.deletes++
	return nil
}

func (s *fakeStore) stored() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

func expiredToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}
}

func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &oauth2.Config{
		ClientID: "client",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		},
	}
}

func TestIsInvalidGrant(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "structured code",
			err:  &oauth2.RetrieveError{ErrorCode: "invalid_grant"},
			want: true,
		},
		{
			name: "body only",
			err:  &oauth2.RetrieveError{Body: []byte(`{"error":"invalid_grant"}`)},
			want: true,
		},
		{
			name: "wrapped",
			err:  errors.Wrap(&oauth2.RetrieveError{ErrorCode: "invalid_grant"}, "refreshing"),
			want: true,
		},
		{
			name: "other oauth error",
			err:  &oauth2.RetrieveError{ErrorCode: "server_error"},
			want: false,
		},
		{
			name: "network error",
			err:  errors.New("dial tcp: connection refused"),
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isInvalidGrant(tc.err); got != tc.want {
				t.Errorf("isInvalidGrant = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHasValidTokenWithFreshCredential(t *testing.T) {
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called for an unexpired credential")
	})
	store := &fakeStore{tok: &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	}}
	b := NewBroker(conf, store, "a")
	if !b.HasValidToken(context.Background()) {
		t.Error("HasValidToken = false, want true")
	}
}

func TestHasValidTokenMissingCredential(t *testing.T) {
	conf := tokenEndpoint(t, nil)
	b := NewBroker(conf, &fakeStore{}, "a")
	if b.HasValidToken(context.Background()) {
		t.Error("HasValidToken = true, want false with no stored credential")
	}
}

func TestInvalidGrantDeletesCredential(t *testing.T) {
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	})
	store := &fakeStore{tok: expiredToken()}
	b := NewBroker(conf, store, "a")

	if b.HasValidToken(context.Background()) {
		t.Error("HasValidToken = true, want false after invalid_grant")
	}
	if store.stored() != nil {
		t.Error("credential should have been deleted on invalid_grant")
	}
	if store.deletes != 1 {
		t.Errorf("deletes = %d, want 1", store.deletes)
	}
	// The next call must observe the absence, not retry a refresh.
	if b.HasValidToken(context.Background()) {
		t.Error("HasValidToken = true on second call, want false")
	}
}

func TestTransientRefreshFailureKeepsCredential(t *testing.T) {
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
	})
	store := &fakeStore{tok: expiredToken()}
	b := NewBroker(conf, store, "a")

	if b.HasValidToken(context.Background()) {
		t.Error("HasValidToken = true, want false on refresh failure")
	}
	if store.stored() == nil {
		t.Error("transient refresh failure must not delete the credential")
	}
}

// TestClientOutlivesCallerContext exercises the long-lived client: the
// context given to Client scopes only the acquisition, so a refresh
// needed after that caller is gone must still succeed and persist.
func TestClientOutlivesCallerContext(t *testing.T) {
	var refreshes int32
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&refreshes, 1)
		w.Header().Set("Content-Type", "application/json")
		// expires_in below the reuse source's expiry slack, so
		// every request forces a fresh refresh.
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":1,"refresh_token":"refresh"}`, n)
	})
	store := &fakeStore{tok: expiredToken()}
	b := NewBroker(conf, store, "a")

	ctx, cancel := context.WithCancel(context.Background())
	client, err := b.Client(ctx)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	cancel()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer tok-") {
			t.Errorf("Authorization = %q, want a refreshed bearer token", auth)
		}
	}))
	defer api.Close()

	resp, err := client.Get(api.URL)
	if err != nil {
		t.Fatalf("request after acquiring context was canceled: %v", err)
	}
	resp.Body.Close()

	if n := atomic.LoadInt32(&refreshes); n < 2 {
		t.Errorf("refreshes = %d, want a second refresh after cancel", n)
	}
	if got := store.stored(); got == nil || got.AccessToken != fmt.Sprintf("tok-%d", atomic.LoadInt32(&refreshes)) {
		t.Errorf("stored token = %+v, want the post-cancel rotation persisted", got)
	}
}

func TestRefreshPersistsRotatedToken(t *testing.T) {
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"rotated","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh2"}`)
	})
	store := &fakeStore{tok: expiredToken()}
	b := NewBroker(conf, store, "a")

	if _, err := b.Client(context.Background()); err != nil {
		t.Fatalf("Client: %v", err)
	}
	got := store.stored()
	if got == nil || got.AccessToken != "rotated" {
		t.Errorf("stored token = %+v, want rotated access token", got)
	}
}

// TestInteractiveLoginFlow drives the full PKCE loop: the fake browser
// follows the authorization URL's redirect_uri back to the loopback
// listener, and the fake token endpoint checks the verifier.
func TestInteractiveLoginFlow(t *testing.T) {
	var exchanged struct {
		sync.Mutex
		code     string
		verifier string
	}
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		exchanged.Lock()
		exchanged.code = r.FormValue("code")
		exchanged.verifier = r.FormValue("code_verifier")
		exchanged.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"granted","token_type":"Bearer","expires_in":3600,"refresh_token":"rt"}`)
	})
	store := &fakeStore{}
	b := NewBroker(conf, store, "a")
	b.openURL = func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		if q.Get("code_challenge_method") != "S256" {
			t.Errorf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
		}
		if q.Get("access_type") != "offline" {
			t.Errorf("access_type = %q, want offline", q.Get("access_type"))
		}
		if q.Get("prompt") != "consent" {
			t.Errorf("prompt = %q, want consent", q.Get("prompt"))
		}
		redirect := q.Get("redirect_uri")
		go func() {
			resp, err := http.Get(redirect + "?state=" + url.QueryEscape(q.Get("state")) + "&code=authcode")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}

	exchanged.Lock()
	defer exchanged.Unlock()
	if exchanged.code != "authcode" {
		t.Errorf("exchanged code = %q, want %q", exchanged.code, "authcode")
	}
	if len(exchanged.verifier) < 43 {
		t.Errorf("code_verifier %q too short for 32 bytes of entropy", exchanged.verifier)
	}
	if got := store.stored(); got == nil || got.AccessToken != "granted" {
		t.Errorf("stored token = %+v, want granted bundle", got)
	}
}

func TestConsentDenied(t *testing.T) {
	conf := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should not be called when consent is denied")
	})
	store := &fakeStore{}
	b := NewBroker(conf, store, "a")
	b.openURL = func(authURL string) error {
		u, _ := url.Parse(authURL)
		redirect := u.Query().Get("redirect_uri")
		go func() {
			resp, err := http.Get(redirect + "?error=access_denied")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.Login(ctx)
	authErr, ok := errors.Cause(err).(*Error)
	if !ok || authErr.Kind != KindConsentDenied {
		t.Errorf("Login error = %v, want KindConsentDenied", err)
	}
	if store.stored() != nil {
		t.Error("denied consent must not store a credential")
	}
}
