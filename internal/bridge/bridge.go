// Package bridge implements the NDJSON local bridge server (spec.md
// §4.G): a narrow, domain-scoped API the host app's browser-extension
// companion speaks to over a local UNIX domain socket, one JSON request
// per line. Wire messages are schema-validated into a closed set of
// variants before dispatch; an unrecognized action is rejected, never
// guessed at (spec.md §9).
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cardvault/cardvault/internal/vault"
	"github.com/cardvault/cardvault/internal/vaulterr"
)

// roundTripTimeout bounds one request's processing, including any card
// wait it triggers (spec.md §5).
const roundTripTimeout = 30 * time.Second

// request is the raw wire shape accepted on ingress.
type request struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Domain  string `json:"domain"`
	EntryID string `json:"entryId"`
}

// Known actions. Anything else is rejected before dispatch.
const (
	actionPing           = "ping"
	actionListForDomain  = "list_for_domain"
	actionGetCredentials = "get_credentials"
)

// Server listens on a local UNIX domain socket and serves the bridge's
// three actions against a Vault.
type Server struct {
	v          *vault.Vault
	socketPath string
	log        *slog.Logger

	ln net.Listener
}

// New constructs a Server bound to v, listening at socketPath once
// Serve is called.
func New(v *vault.Vault, socketPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{v: v, socketPath: socketPath, log: log}
}

// Listen creates the UNIX domain socket at the path passed to New (see
// RuntimeSocketPath for the conventional $XDG_RUNTIME_DIR/<name>.sock
// path) with mode 0600, removing any stale socket file left behind by a
// prior crashed process.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bridge: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("bridge: chmod socket: %w", err)
	}
	s.ln = ln
	return nil
}

// SocketPath returns the configured UNIX socket path, e.g. for
// RuntimeSocketPath's callers to print at startup.
func (s *Server) SocketPath() string { return s.socketPath }

// RuntimeSocketPath builds the conventional socket path for name under
// $XDG_RUNTIME_DIR (spec.md §4.G), falling back to os.TempDir when the
// variable is unset.
func RuntimeSocketPath(name string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return dir + "/" + name + ".sock"
}

// Serve accepts connections until ctx is cancelled, calling Listen first
// if it has not been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, roundTripTimeout)
		resp := s.dispatch(reqCtx, line)
		cancel()
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("bridge: write response failed", "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Debug("bridge: connection read error", "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) map[string]any {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return map[string]any{"error": "malformed request"}
	}

	switch req.Action {
	case actionPing:
		return map[string]any{"id": req.ID, "pong": true}
	case actionListForDomain:
		return s.listForDomain(ctx, req)
	case actionGetCredentials:
		return s.getCredentials(ctx, req)
	default:
		return map[string]any{"id": req.ID, "error": fmt.Sprintf("unknown action %q", req.Action)}
	}
}

type entrySummary struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

func (s *Server) listForDomain(ctx context.Context, req request) map[string]any {
	entries, err := s.v.ListEntries(ctx, 500, 0, "")
	if err != nil {
		return map[string]any{"id": req.ID, "error": err.Error()}
	}
	want := stripWWW(req.Domain)
	out := make([]entrySummary, 0)
	for _, e := range entries {
		if domainMatches(e.URL, want) {
			out = append(out, entrySummary{ID: e.ID, Label: e.Label, URL: e.URL})
		}
	}
	return map[string]any{"id": req.ID, "entries": out}
}

func (s *Server) getCredentials(ctx context.Context, req request) map[string]any {
	if req.EntryID == "" {
		return map[string]any{"id": req.ID, "error": "entryId is required"}
	}
	payload, err := s.v.GetEntry(ctx, req.EntryID)
	if err != nil {
		return map[string]any{"id": req.ID, "error": bridgeErrorString(err)}
	}
	return map[string]any{"id": req.ID, "username": payload.Username, "password": payload.Password}
}

func bridgeErrorString(err error) string {
	switch err {
	case vaulterr.ErrCancelled:
		return "cancelled"
	case vaulterr.ErrCardTimeout:
		return "tap timed out"
	case vaulterr.ErrNotFound:
		return "not found"
	default:
		return err.Error()
	}
}

// stripWWW removes a leading "www." (case-insensitive) from domain.
func stripWWW(domain string) string {
	lower := strings.ToLower(domain)
	if strings.HasPrefix(lower, "www.") {
		return lower[4:]
	}
	return lower
}

// domainMatches implements spec.md §4.G's matching rule: strip a
// leading "www." from both the entry's URL host and the requested
// domain; match when equal, or when the requested domain is a
// subdomain of the entry's host (an entry stored for "github.com"
// matches a request for "api.github.com"). Non-URL entry URLs fall
// back to a substring match against want (spec.md §9 flags this
// fallback as worth tightening, but keeps it for compatibility with
// entries whose url field is not a real URL).
func domainMatches(entryURL, want string) bool {
	if want == "" {
		return false
	}
	u, err := url.Parse(entryURL)
	if err != nil || u.Host == "" {
		return strings.Contains(strings.ToLower(entryURL), want)
	}
	host := stripWWW(u.Hostname())
	return host == want || strings.HasSuffix(want, "."+host)
}
