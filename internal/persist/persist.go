// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist stores the per-account OAuth credential bundle in a
// local SQLite database.  The bundle is treated as an opaque blob; all
// token semantics live in the auth package.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

var (
	createTableSQL = []string{
		// The credentials table holds one row per account.
		//
		// Field: account
		//
		//   The account identifier chosen by the caller, usually
		//   the user's email address or the literal "default"
		//   before the address is known.
		//
		// Field: token_json
		//
		//   The oauth2 token bundle (access token, refresh
		//   token, type, expiry) serialized as JSON.  Opaque to
		//   this package.
		//
		// Field: updated_at
		//
		//   Unix seconds of the last write.  Informational only.
		`
CREATE TABLE IF NOT EXISTS credentials (
account TEXT NOT NULL PRIMARY KEY,
token_json TEXT NOT NULL,
updated_at INTEGER NOT NULL
);`,
	}
)

// Store is a SQLite-backed credential store.
type Store struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if necessary) the credential database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &Store{db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "while executing %q", stmt)
		}
	}
	return nil
}

// Save persists the token bundle for the account, replacing any prior
// bundle.
func (s *Store) Save(ctx context.Context, account string, tok *oauth2.Token) error {
	blob, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "could not serialize credential")
	}
	const stmt = `INSERT INTO credentials (account, token_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account)
		DO UPDATE SET (token_json, updated_at) = ($2, $3)`
	_, err = s.db.ExecContext(ctx, stmt, account, string(blob), time.Now().Unix())
	if err != nil {
		return errors.Wrapf(err, "db upsert failed for account %q", account)
	}
	return nil
}

// Load returns the stored token bundle for the account, or nil when
// the account has no stored credential.
func (s *Store) Load(ctx context.Context, account string) (*oauth2.Token, error) {
	const q = `SELECT token_json FROM credentials WHERE account = $1`
	row := s.db.QueryRowContext(ctx, q, account)
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "db scan failed for account %q", account)
	}
	tok := new(oauth2.Token)
	if err := json.Unmarshal([]byte(blob), tok); err != nil {
		return nil, errors.Wrapf(err, "corrupt credential for account %q", account)
	}
	return tok, nil
}

// Delete removes the stored credential for the account.  Deleting an
// absent credential is not an error.
func (s *Store) Delete(ctx context.Context, account string) error {
	const stmt = `DELETE FROM credentials WHERE account = $1`
	if _, err := s.db.ExecContext(ctx, stmt, account); err != nil {
		return errors.Wrapf(err, "db delete failed for account %q", account)
	}
	return nil
}
