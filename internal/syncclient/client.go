// Package syncclient implements the Sync Client (spec.md §4.H): pushing
// the local outbox, pulling the server's change log, and mediating the
// passphrase-wrapped root-key envelope so a new device can join an
// existing vault.
package syncclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cardvault/cardvault/internal/kdf"
	"github.com/cardvault/cardvault/internal/store"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

const (
	defaultPushLimit = 500
	defaultPullLimit = 500
	requestTimeout   = 30 * time.Second
)

// sync_state keys (spec.md §3).
const (
	stateCursor          = "cursor"
	stateLastSyncAt      = "lastSyncAt"
	stateLastSyncAttempt = "lastSyncAttemptAt"
	stateLastSyncError   = "lastSyncError"
	stateInitialSeedDone = "initialSeedDone"
)

// Client is the sync engine's client half: it reads/writes the local
// store's outbox and sync_state, and talks to one Sync Server over
// HTTP.
type Client struct {
	store   *store.Store
	keyring Keyring
	http    *http.Client

	mu      sync.Mutex
	session *Session

	inflightMu sync.Mutex
	inflight   chan error
}

// New constructs a Client bound to the local store and a session
// keyring.
func New(s *store.Store, keyring Keyring) *Client {
	return &Client{
		store:   s,
		keyring: keyring,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// SetConfig persists {baseUrl, username, deviceName} to the keyring,
// preserving any existing tokens (a fresh register/login will replace
// them).
func (c *Client) SetConfig(baseURL, username, deviceName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := Session{BaseURL: baseURL, Username: username, DeviceName: deviceName}
	if existing, err := c.keyring.Load(); err == nil && existing != nil {
		sess.AccessToken = existing.AccessToken
		sess.RefreshToken = existing.RefreshToken
		sess.RefreshExpiresAt = existing.RefreshExpiresAt
		sess.UserID = existing.UserID
		sess.DeviceID = existing.DeviceID
	}
	if err := c.keyring.Save(sess); err != nil {
		return err
	}
	c.session = &sess
	return nil
}

func (c *Client) loadSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	sess, err := c.keyring.Load()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("syncclient: not configured, call SetConfig first")
	}
	c.session = sess
	return sess, nil
}

func (c *Client) saveSession(sess *Session) error {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return c.keyring.Save(*sess)
}

// Register creates a new account and device, persisting the returned
// session.
func (c *Client) Register(ctx context.Context, password string) error {
	sess, err := c.loadSession()
	if err != nil {
		return err
	}
	var resp authResponse
	if err := c.postJSON(ctx, sess.BaseURL+"/v1/auth/register", authRequest{
		Username: sess.Username, Password: password, DeviceName: sess.DeviceName,
	}, "", &resp); err != nil {
		return err
	}
	return c.applyAuth(sess, resp)
}

// Login authenticates an existing account in a single request that
// carries mfaCode (which may be empty). It does not retry: any 401,
// including the server's mfaRequired reply, is returned as
// vaulterr.ErrAuthExpired.
func (c *Client) Login(ctx context.Context, password, mfaCode string) error {
	sess, err := c.loadSession()
	if err != nil {
		return err
	}
	var resp authResponse
	if err := c.postJSON(ctx, sess.BaseURL+"/v1/auth/login", authRequest{
		Username: sess.Username, Password: password, DeviceName: sess.DeviceName, MFACode: mfaCode,
	}, "", &resp); err != nil {
		return err
	}
	return c.applyAuth(sess, resp)
}

func (c *Client) applyAuth(sess *Session, resp authResponse) error {
	sess.AccessToken = resp.AccessToken
	sess.RefreshToken = resp.RefreshToken
	sess.RefreshExpiresAt = resp.RefreshExpiresAt
	sess.UserID = resp.UserID
	sess.DeviceID = resp.DeviceID
	return c.saveSession(sess)
}

// refresh exchanges the current refresh token for a fresh token pair.
// Called automatically on one 401 per authenticated request.
func (c *Client) refresh(ctx context.Context, sess *Session) error {
	var resp authResponse
	if err := c.postJSON(ctx, sess.BaseURL+"/v1/auth/refresh", refreshRequest{RefreshToken: sess.RefreshToken}, "", &resp); err != nil {
		return vaulterr.ErrAuthExpired
	}
	return c.applyAuth(sess, resp)
}

// authedRequest performs method/path with the current access token,
// transparently refreshing and retrying once on a 401 (spec.md §7).
func (c *Client) authedRequest(ctx context.Context, method, path string, body any, out any) error {
	sess, err := c.loadSession()
	if err != nil {
		return err
	}

	status, err := c.doJSON(ctx, method, sess.BaseURL+path, body, sess.AccessToken, out)
	if err == nil {
		return nil
	}
	if status != http.StatusUnauthorized {
		return err
	}

	if rerr := c.refresh(ctx, sess); rerr != nil {
		return vaulterr.ErrAuthExpired
	}
	_, err = c.doJSON(ctx, method, sess.BaseURL+path, body, sess.AccessToken, out)
	if err != nil {
		return vaulterr.ErrAuthExpired
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any, token string, out any) error {
	_, err := c.doJSON(ctx, http.MethodPost, url, body, token, out)
	return err
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, token string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("syncclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("syncclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", vaulterr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if resp.StatusCode == http.StatusUnauthorized {
			return resp.StatusCode, vaulterr.ErrAuthExpired
		}
		if errBody.Error != "" {
			return resp.StatusCode, fmt.Errorf("syncclient: %s", errBody.Error)
		}
		return resp.StatusCode, fmt.Errorf("syncclient: server returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("syncclient: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Push reads up to limit outbox rows and sends them in one request
// (spec.md §4.H). On success the ids the server reports as applied are
// removed from the outbox and the local cursor advances to max(local, response.cursor). Rows
// whose underlying entry has vanished (and aren't deletions) are
// dropped from the outbox without being sent — spec.md §9 flags this as
// safe but worth logging.
func (c *Client) Push(ctx context.Context, limit int) (*pushResponse, error) {
	if limit <= 0 {
		limit = defaultPushLimit
	}
	outbox, err := c.store.ListOutbox(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(outbox) == 0 {
		if err := c.seedIfNeeded(ctx); err != nil {
			return nil, err
		}
		return &pushResponse{}, nil
	}

	changes := make([]changeWire, 0, len(outbox))
	var staleIDs []string
	for _, oc := range outbox {
		if oc.Deleted {
			changes = append(changes, changeWire{ItemID: oc.ID, UpdatedAt: oc.UpdatedAt, Deleted: true})
			continue
		}
		row, err := c.store.GetEntryRow(ctx, oc.ID)
		if err == vaulterr.ErrNotFound {
			staleIDs = append(staleIDs, oc.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		changes = append(changes, changeWire{
			ItemID: row.ID, Label: row.Label, URL: row.URL, Category: row.Category,
			CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
			Ciphertext: base64.StdEncoding.EncodeToString(row.Ciphertext),
			IV:         base64.StdEncoding.EncodeToString(row.IV),
			AuthTag:    base64.StdEncoding.EncodeToString(row.AuthTag),
			Deleted:    false,
		})
	}
	if len(staleIDs) > 0 {
		if err := c.store.RemoveOutbox(ctx, staleIDs); err != nil {
			return nil, err
		}
	}
	if len(changes) == 0 {
		return &pushResponse{}, nil
	}

	var resp pushResponse
	if err := c.authedRequest(ctx, http.MethodPost, "/v1/sync/push", pushRequest{Changes: changes}, &resp); err != nil {
		return nil, err
	}

	if err := c.store.RemoveOutbox(ctx, resp.Applied); err != nil {
		return nil, err
	}
	if err := c.advanceCursor(ctx, resp.Cursor); err != nil {
		return nil, err
	}
	return &resp, nil
}

// seedIfNeeded seeds the outbox from current entries exactly once,
// guarded by the initialSeedDone flag, the first time a push finds the
// outbox empty (spec.md §4.E).
func (c *Client) seedIfNeeded(ctx context.Context) error {
	done, err := c.store.GetSyncState(ctx, stateInitialSeedDone)
	if err != nil {
		return err
	}
	if done == "true" {
		return nil
	}
	if err := c.store.SeedOutboxFromEntries(ctx); err != nil {
		return err
	}
	return c.store.SetSyncState(ctx, stateInitialSeedDone, "true")
}

func (c *Client) advanceCursor(ctx context.Context, serverCursor int64) error {
	local, err := c.cursor(ctx)
	if err != nil {
		return err
	}
	if serverCursor > local {
		local = serverCursor
	}
	return c.store.SetSyncState(ctx, stateCursor, fmt.Sprintf("%d", local))
}

func (c *Client) cursor(ctx context.Context) (int64, error) {
	raw, err := c.store.GetSyncState(ctx, stateCursor)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	var cursor int64
	if _, err := fmt.Sscanf(raw, "%d", &cursor); err != nil {
		return 0, fmt.Errorf("syncclient: parse cursor: %w", err)
	}
	return cursor, nil
}

// Pull fetches up to limit changes past the local cursor and applies
// each with last-writer-wins semantics, then advances the cursor. The
// caller should loop while the returned hasMore is true.
func (c *Client) Pull(ctx context.Context, limit int) (hasMore bool, err error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	cursor, err := c.cursor(ctx)
	if err != nil {
		return false, err
	}

	var resp pullResponse
	path := fmt.Sprintf("/v1/sync/pull?cursor=%d&limit=%d", cursor, limit)
	if err := c.authedRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}

	for _, ch := range resp.Changes {
		if ch.Deleted {
			if err := c.store.ApplyRemoteDelete(ctx, ch.ItemID, ch.UpdatedAt); err != nil {
				return false, err
			}
			continue
		}
		ciphertext, ivBytes, authTag, err := decodeChangeBytes(ch)
		if err != nil {
			continue // defensively skip malformed rows rather than aborting the whole pull
		}
		if err := c.store.ApplyRemoteUpsert(ctx, storeEntryFromWire(ch, ciphertext, ivBytes, authTag)); err != nil {
			return false, err
		}
	}

	if resp.NextCursor > cursor {
		if err := c.store.SetSyncState(ctx, stateCursor, fmt.Sprintf("%d", resp.NextCursor)); err != nil {
			return false, err
		}
	}
	return resp.HasMore, nil
}

func decodeChangeBytes(ch changeWire) (ciphertext, iv, authTag []byte, err error) {
	ciphertext, err = base64.StdEncoding.DecodeString(ch.Ciphertext)
	if err != nil {
		return nil, nil, nil, err
	}
	iv, err = base64.StdEncoding.DecodeString(ch.IV)
	if err != nil {
		return nil, nil, nil, err
	}
	authTag, err = base64.StdEncoding.DecodeString(ch.AuthTag)
	if err != nil {
		return nil, nil, nil, err
	}
	return ciphertext, iv, authTag, nil
}

func storeEntryFromWire(ch changeWire, ciphertext, iv, authTag []byte) store.Entry {
	return store.Entry{
		ID: ch.ItemID, Label: ch.Label, URL: ch.URL, Category: ch.Category,
		CreatedAt: ch.CreatedAt, UpdatedAt: ch.UpdatedAt,
		Ciphertext: ciphertext, IV: iv, AuthTag: authTag, Deleted: false,
	}
}

// RunFullSync is a singleton-guarded push-then-pull. Concurrent callers
// observe the same in-flight operation rather than starting their own
// (spec.md §4.H and §5).
func (c *Client) RunFullSync(ctx context.Context) error {
	c.inflightMu.Lock()
	if c.inflight != nil {
		ch := c.inflight
		c.inflightMu.Unlock()
		// Put the result back so every other waiter receives it too.
		err := <-ch
		ch <- err
		return err
	}
	done := make(chan error, 1)
	c.inflight = done
	c.inflightMu.Unlock()

	err := c.runFullSyncOnce(ctx)

	c.inflightMu.Lock()
	c.inflight = nil
	c.inflightMu.Unlock()
	done <- err
	return err
}

func (c *Client) runFullSyncOnce(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_ = c.store.SetSyncState(ctx, stateLastSyncAttempt, fmt.Sprintf("%d", now))

	if _, err := c.Push(ctx, 0); err != nil {
		_ = c.store.SetSyncState(ctx, stateLastSyncError, err.Error())
		return err
	}

	for {
		more, err := c.Pull(ctx, 0)
		if err != nil {
			_ = c.store.SetSyncState(ctx, stateLastSyncError, err.Error())
			return err
		}
		if !more {
			break
		}
	}

	_ = c.store.SetSyncState(ctx, stateLastSyncError, "")
	_ = c.store.SetSyncState(ctx, stateLastSyncAt, fmt.Sprintf("%d", time.Now().UnixMilli()))
	return nil
}

// GetEnvelope fetches the server-stored root-key envelope, returning
// (nil, nil) if the account has none yet (a brand-new account).
func (c *Client) GetEnvelope(ctx context.Context) (*kdf.Envelope, error) {
	var resp envelopeResponse
	if err := c.authedRequest(ctx, http.MethodGet, "/v1/keys/envelope", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Envelope == nil {
		return nil, nil
	}
	return envelopeFromWire(resp.Envelope)
}

// PutEnvelope replaces the server-stored envelope for this account,
// e.g. after sealing a freshly generated root key or rotating one.
func (c *Client) PutEnvelope(ctx context.Context, env *kdf.Envelope) error {
	wire, err := envelopeToWire(env)
	if err != nil {
		return err
	}
	return c.authedRequest(ctx, http.MethodPut, "/v1/keys/envelope", wire, nil)
}

func envelopeToWire(env *kdf.Envelope) (*envelopeWire, error) {
	w := &envelopeWire{
		KeyVersion: env.KeyVersion,
		KDF:        env.KDF,
		Salt:       base64.StdEncoding.EncodeToString(env.Salt),
		Nonce:      base64.StdEncoding.EncodeToString(env.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(env.Ciphertext),
		AuthTag:    base64.StdEncoding.EncodeToString(env.AuthTag),
	}
	w.KDFParams.N = env.Params.N
	w.KDFParams.R = env.Params.R
	w.KDFParams.P = env.Params.P
	w.KDFParams.DKLen = env.Params.DKLen
	return w, nil
}

func envelopeFromWire(w *envelopeWire) (*kdf.Envelope, error) {
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decode envelope salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decode envelope nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decode envelope ciphertext: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(w.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("syncclient: decode envelope auth tag: %w", err)
	}
	return &kdf.Envelope{
		KeyVersion: w.KeyVersion,
		KDF:        w.KDF,
		Params: kdf.ScryptParams{
			N: w.KDFParams.N, R: w.KDFParams.R, P: w.KDFParams.P, DKLen: w.KDFParams.DKLen,
		},
		Salt: salt, Nonce: nonce, Ciphertext: ciphertext, AuthTag: authTag,
	}, nil
}
