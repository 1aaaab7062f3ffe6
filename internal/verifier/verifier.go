// Package verifier issues and validates one-time challenge codes and the
// permanent kill-switch secret. Codes and hashes never leave this package;
// callers only see accept/reject.
package verifier

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	codeDigits        = 6
	killSwitchIter    = 100000
	killSwitchSaltLen = 16
	killSwitchKeyLen  = 32
	settingKillSwitch = "kill_switch_hash"
)

type Verifier struct {
	DB  *sql.DB
	Now func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// IssueChallenge generates a fresh crypto-random numeric code, stores it
// with an expiry and returns it. The caller owns delivery; the verifier
// never transmits anything. Pass a tx to make the challenge commit or roll
// back together with the caller's state change.
func (v Verifier) IssueChallenge(ctx context.Context, tx *sql.Tx, purpose string, ttl time.Duration) (string, error) {
	if purpose == "" {
		return "", fmt.Errorf("challenge purpose required")
	}
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate challenge code: %w", err)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return v.DB.ExecContext(ctx, query, args...)
	}
	now := v.now().UTC()
	_, err = exec(`INSERT INTO challenges(code,purpose,issued_at,expires_at,consumed) VALUES (?,?,?,?,0)`,
		code, purpose, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return code, nil
}

// OutstandingCode returns the newest unconsumed, unexpired code for a
// purpose, so a retry can resend the code already in flight instead of
// minting a competing one.
func (v Verifier) OutstandingCode(ctx context.Context, purpose string) (string, bool, error) {
	now := v.now().UTC().Format(time.RFC3339)
	var code string
	err := v.DB.QueryRowContext(ctx,
		`SELECT code FROM challenges WHERE purpose=? AND consumed=0 AND expires_at > ? ORDER BY issued_at DESC, rowid DESC LIMIT 1`,
		purpose, now).Scan(&code)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("look up outstanding code: %w", err)
	}
	return code, true, nil
}

// VerifyChallenge reports whether a matching, unconsumed, unexpired
// challenge exists and atomically marks it consumed. The guarded UPDATE
// makes a second verification of the same code fail regardless of
// interleaving.
func (v Verifier) VerifyChallenge(ctx context.Context, code, purpose string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" || purpose == "" {
		return false, nil
	}
	now := v.now().UTC().Format(time.RFC3339)
	res, err := v.DB.ExecContext(ctx,
		`UPDATE challenges SET consumed=1 WHERE code=? AND purpose=? AND consumed=0 AND expires_at > ?`,
		code, purpose, now)
	if err != nil {
		return false, fmt.Errorf("verify challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HashKillSwitch derives a salted, iterated hash of the secret. The stored
// form is "hexdigest:hexsalt", matching verification below.
func HashKillSwitch(secret string) (string, error) {
	saltBytes := make([]byte, killSwitchSaltLen)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	key := pbkdf2.Key([]byte(secret), []byte(salt), killSwitchIter, killSwitchKeyLen, sha256.New)
	return hex.EncodeToString(key) + ":" + salt, nil
}

// VerifyKillSwitch re-derives with the stored salt and compares in constant
// time. Malformed stored values and empty inputs fail closed.
func VerifyKillSwitch(secret, stored string) bool {
	if secret == "" || stored == "" {
		return false
	}
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	want, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(secret), []byte(parts[1]), killSwitchIter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// SetKillSwitch stores the derived hash in settings.
func (v Verifier) SetKillSwitch(ctx context.Context, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("kill switch secret must not be empty")
	}
	hash, err := HashKillSwitch(secret)
	if err != nil {
		return err
	}
	now := v.now().UTC().Format(time.RFC3339)
	_, err = v.DB.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		settingKillSwitch, hash, now)
	return err
}

// CheckKillSwitch verifies the input against the stored hash. Absence of a
// configured kill switch is a plain rejection, not an error.
func (v Verifier) CheckKillSwitch(ctx context.Context, secret string) (bool, error) {
	var stored string
	err := v.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, settingKillSwitch).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch hash: %w", err)
	}
	return VerifyKillSwitch(secret, stored), nil
}

// HasKillSwitch reports whether a kill switch has been configured.
func (v Verifier) HasKillSwitch(ctx context.Context) (bool, error) {
	var n int
	err := v.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings WHERE key=?`, settingKillSwitch).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
