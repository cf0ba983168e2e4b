package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"llmrelay-go/internal/credential"
)

// statements holds the vendor-specific SQL built once at open.
type statements struct {
	upsertConfig string
	selectConfig string

	upsertCookie  string
	deleteCookie  string
	selectCookies string

	upsertWasted  string
	deleteWasted  string
	selectWasted  string
	clearCookies  string
	clearWasted   string

	upsertKey  string
	deleteKey  string
	selectKeys string
	clearKeys  string

	upsertCliToken  string
	deleteCliToken  string
	selectCliTokens string

	upsertVertex string
	deleteVertex string
	selectVertex string
}

func buildStatements(d dialect) statements {
	keys := d.quoteIdent("keys")
	key := d.quoteIdent("key")
	return statements{
		upsertConfig: d.upsert("config", []string{"k", "data", "updated_at"}),
		selectConfig: d.rebind("SELECT data FROM config WHERE k = ?"),

		upsertCookie: d.upsert("cookies", []string{
			"cookie", "reset_time", "token_access", "token_refresh",
			"token_expires_at", "token_expires_in", "token_org_uuid", "state",
		}),
		deleteCookie: d.rebind("DELETE FROM cookies WHERE cookie = ?"),
		selectCookies: "SELECT cookie, reset_time, token_access, token_refresh, " +
			"token_expires_at, token_expires_in, token_org_uuid, state FROM cookies",

		upsertWasted: d.upsert("wasted_cookies", []string{"cookie", "reason"}),
		deleteWasted: d.rebind("DELETE FROM wasted_cookies WHERE cookie = ?"),
		selectWasted: "SELECT cookie, reason FROM wasted_cookies",
		clearCookies: "DELETE FROM cookies",
		clearWasted:  "DELETE FROM wasted_cookies",

		upsertKey:  d.upsert("keys", []string{"key", "count_403"}),
		deleteKey:  d.rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", keys, key)),
		selectKeys: fmt.Sprintf("SELECT %s, count_403 FROM %s", key, keys),
		clearKeys:  fmt.Sprintf("DELETE FROM %s", keys),

		upsertCliToken:  d.upsert("cli_tokens", []string{"token", "expires_at", "refresh", "count_403"}),
		deleteCliToken:  d.rebind("DELETE FROM cli_tokens WHERE token = ?"),
		selectCliTokens: "SELECT token, expires_at, refresh, count_403 FROM cli_tokens",

		upsertVertex: d.upsert("vertex_credentials", []string{"id", "key_json", "count_403"}),
		deleteVertex: d.rebind("DELETE FROM vertex_credentials WHERE id = ?"),
		selectVertex: "SELECT id, key_json, count_403 FROM vertex_credentials",
	}
}

// cookieState is the JSON blob carrying the learned flags and usage windows
// that have no dedicated columns.
type cookieState struct {
	PremiumWindow credential.LaneFlags   `json:"premium_window"`
	CountTokens   credential.TriState    `json:"count_tokens_allowed"`
	Session       credential.UsageWindow `json:"session_usage"`
	Weekly        credential.UsageWindow `json:"weekly_usage"`
}

func encodeCookie(c credential.Cookie) (args []any, err error) {
	state, err := json.Marshal(cookieState{
		PremiumWindow: c.PremiumWindow,
		CountTokens:   c.CountTokens,
		Session:       c.Session,
		Weekly:        c.Weekly,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cookie state: %w", err)
	}

	var reset sql.NullInt64
	if c.ResetTime != nil {
		reset = sql.NullInt64{Int64: *c.ResetTime, Valid: true}
	}
	var access, refresh, org sql.NullString
	var expAt, expIn sql.NullInt64
	if c.Token != nil {
		access = sql.NullString{String: c.Token.AccessToken, Valid: true}
		refresh = sql.NullString{String: c.Token.RefreshToken, Valid: true}
		expAt = sql.NullInt64{Int64: c.Token.ExpiresAt, Valid: true}
		expIn = sql.NullInt64{Int64: c.Token.ExpiresIn, Valid: true}
		org = sql.NullString{String: c.Token.OrgUUID, Valid: true}
	}
	return []any{c.Value, reset, access, refresh, expAt, expIn, org, string(state)}, nil
}

func scanCookie(rows *sql.Rows) (credential.Cookie, error) {
	var (
		c       credential.Cookie
		reset   sql.NullInt64
		access  sql.NullString
		refresh sql.NullString
		expAt   sql.NullInt64
		expIn   sql.NullInt64
		org     sql.NullString
		state   sql.NullString
	)
	if err := rows.Scan(&c.Value, &reset, &access, &refresh, &expAt, &expIn, &org, &state); err != nil {
		return credential.Cookie{}, err
	}
	if reset.Valid {
		v := reset.Int64
		c.ResetTime = &v
	}
	if access.Valid && access.String != "" {
		c.Token = &credential.TokenInfo{
			AccessToken:  access.String,
			RefreshToken: refresh.String,
			ExpiresAt:    expAt.Int64,
			ExpiresIn:    expIn.Int64,
			OrgUUID:      org.String,
		}
	}
	if state.Valid && state.String != "" {
		var s cookieState
		if err := json.Unmarshal([]byte(state.String), &s); err != nil {
			return credential.Cookie{}, fmt.Errorf("decode cookie state: %w", err)
		}
		c.PremiumWindow = s.PremiumWindow
		c.CountTokens = s.CountTokens
		c.Session = s.Session
		c.Weekly = s.Weekly
	}
	return c, nil
}

func (l *DBLayer) BootstrapConfig(ctx context.Context) ([]byte, bool, error) {
	var data string
	err := l.read(ctx, "bootstrap_config", func(c context.Context) error {
		return l.db.QueryRowContext(c, l.stmts.selectConfig, "main").Scan(&data)
	})
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(data), true, nil
}

func (l *DBLayer) PersistConfig(ctx context.Context, data []byte) error {
	return l.write(ctx, "persist_config", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertConfig, "main", string(data), time.Now().Unix())
		return err
	})
}

func (l *DBLayer) PersistCookie(ctx context.Context, ck credential.Cookie) error {
	args, err := encodeCookie(ck)
	if err != nil {
		return err
	}
	return l.write(ctx, "persist_cookie", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertCookie, args...)
		return err
	})
}

func (l *DBLayer) DeleteCookie(ctx context.Context, value string) error {
	return l.write(ctx, "delete_cookie", func(c context.Context) error {
		if _, err := l.db.ExecContext(c, l.stmts.deleteCookie, value); err != nil {
			return err
		}
		_, err := l.db.ExecContext(c, l.stmts.deleteWasted, value)
		return err
	})
}

func (l *DBLayer) PersistWasted(ctx context.Context, w credential.WastedCookie) error {
	reason, err := json.Marshal(w.Reason)
	if err != nil {
		return fmt.Errorf("encode reason: %w", err)
	}
	return l.write(ctx, "persist_wasted", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertWasted, w.Value, string(reason))
		return err
	})
}

func (l *DBLayer) PersistKey(ctx context.Context, k credential.APIKey) error {
	return l.write(ctx, "persist_key", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertKey, k.Value, k.Count403)
		return err
	})
}

func (l *DBLayer) DeleteKey(ctx context.Context, value string) error {
	return l.write(ctx, "delete_key", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.deleteKey, value)
		return err
	})
}

func (l *DBLayer) PersistCliToken(ctx context.Context, t credential.CliToken) error {
	var refresh sql.NullString
	if t.Refresh != nil {
		data, err := json.Marshal(t.Refresh)
		if err != nil {
			return fmt.Errorf("encode refresh meta: %w", err)
		}
		refresh = sql.NullString{String: string(data), Valid: true}
	}
	var expires sql.NullInt64
	if t.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: *t.ExpiresAt, Valid: true}
	}
	return l.write(ctx, "persist_cli_token", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertCliToken, t.Token, expires, refresh, t.Count403)
		return err
	})
}

func (l *DBLayer) DeleteCliToken(ctx context.Context, token string) error {
	return l.write(ctx, "delete_cli_token", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.deleteCliToken, token)
		return err
	})
}

func (l *DBLayer) PersistVertex(ctx context.Context, s credential.ServiceAccount) error {
	return l.write(ctx, "persist_vertex", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.upsertVertex, s.ID, string(s.RawKey), s.Count403)
		return err
	})
}

func (l *DBLayer) DeleteVertex(ctx context.Context, id string) error {
	return l.write(ctx, "delete_vertex", func(c context.Context) error {
		_, err := l.db.ExecContext(c, l.stmts.deleteVertex, id)
		return err
	})
}

func (l *DBLayer) ReplaceCookies(ctx context.Context, cookies []credential.Cookie, wasted []credential.WastedCookie) error {
	return l.write(ctx, "replace_cookies", func(c context.Context) error {
		tx, err := l.db.BeginTx(c, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(c, l.stmts.clearCookies); err != nil {
			return err
		}
		if _, err := tx.ExecContext(c, l.stmts.clearWasted); err != nil {
			return err
		}
		for _, ck := range cookies {
			args, err := encodeCookie(ck)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(c, l.stmts.upsertCookie, args...); err != nil {
				return err
			}
		}
		for _, w := range wasted {
			reason, err := json.Marshal(w.Reason)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(c, l.stmts.upsertWasted, w.Value, string(reason)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (l *DBLayer) ReplaceKeys(ctx context.Context, keys []credential.APIKey) error {
	return l.write(ctx, "replace_keys", func(c context.Context) error {
		tx, err := l.db.BeginTx(c, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(c, l.stmts.clearKeys); err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := tx.ExecContext(c, l.stmts.upsertKey, k.Value, k.Count403); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (l *DBLayer) LoadCookies(ctx context.Context) ([]credential.Cookie, []credential.WastedCookie, error) {
	var cookies []credential.Cookie
	var wasted []credential.WastedCookie
	err := l.read(ctx, "load_cookies", func(c context.Context) error {
		rows, err := l.db.QueryContext(c, l.stmts.selectCookies)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ck, err := scanCookie(rows)
			if err != nil {
				return err
			}
			cookies = append(cookies, ck)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		wrows, err := l.db.QueryContext(c, l.stmts.selectWasted)
		if err != nil {
			return err
		}
		defer wrows.Close()
		for wrows.Next() {
			var w credential.WastedCookie
			var reason sql.NullString
			if err := wrows.Scan(&w.Value, &reason); err != nil {
				return err
			}
			if reason.Valid && reason.String != "" {
				var r credential.Reason
				if err := json.Unmarshal([]byte(reason.String), &r); err == nil {
					w.Reason = &r
				}
			}
			wasted = append(wasted, w)
		}
		return wrows.Err()
	})
	if err != nil {
		return nil, nil, err
	}
	return cookies, wasted, nil
}

func (l *DBLayer) LoadKeys(ctx context.Context) ([]credential.APIKey, error) {
	var keys []credential.APIKey
	err := l.read(ctx, "load_keys", func(c context.Context) error {
		rows, err := l.db.QueryContext(c, l.stmts.selectKeys)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k credential.APIKey
			if err := rows.Scan(&k.Value, &k.Count403); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *DBLayer) LoadCliTokens(ctx context.Context) ([]credential.CliToken, error) {
	var tokens []credential.CliToken
	err := l.read(ctx, "load_cli_tokens", func(c context.Context) error {
		rows, err := l.db.QueryContext(c, l.stmts.selectCliTokens)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t credential.CliToken
			var expires sql.NullInt64
			var refresh sql.NullString
			if err := rows.Scan(&t.Token, &expires, &refresh, &t.Count403); err != nil {
				return err
			}
			if expires.Valid {
				v := expires.Int64
				t.ExpiresAt = &v
			}
			if refresh.Valid && refresh.String != "" {
				var meta credential.CliOAuthMeta
				if err := json.Unmarshal([]byte(refresh.String), &meta); err == nil {
					t.Refresh = &meta
				}
			}
			tokens = append(tokens, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func (l *DBLayer) LoadVertex(ctx context.Context) ([]credential.ServiceAccount, error) {
	var accounts []credential.ServiceAccount
	err := l.read(ctx, "load_vertex", func(c context.Context) error {
		rows, err := l.db.QueryContext(c, l.stmts.selectVertex)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s credential.ServiceAccount
			var keyJSON string
			if err := rows.Scan(&s.ID, &keyJSON, &s.Count403); err != nil {
				return err
			}
			s.RawKey = json.RawMessage(keyJSON)
			accounts = append(accounts, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func isNoRows(err error) bool {
	for err != nil {
		if err == sql.ErrNoRows {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
