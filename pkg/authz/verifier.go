package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrStrictWithoutRPC is returned by NewVerifier when strict mode is
// requested without a chain client to back it. Strict mode denies every
// key it cannot prove, so running it blind would reject all traffic.
var ErrStrictWithoutRPC = errors.New("authz: strict mode requires a chain RPC client")

const (
	// DefaultCacheTTL bounds how stale a cached account permission set
	// may be. On-chain permission changes take at most this long to be
	// observed.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultMaxDepth caps delegated-authority recursion.
	DefaultMaxDepth = 5
)

// Options configures a Verifier.
type Options struct {
	// CacheTTL is how long fetched account data stays valid. Zero means
	// DefaultCacheTTL.
	CacheTTL time.Duration

	// MaxDepth caps delegation hops. Zero means DefaultMaxDepth.
	MaxDepth int

	// Permissive flips failure handling: instead of denying when the
	// account cannot be fetched or the permission is absent, allow with
	// a warning. Development only.
	Permissive bool

	Logger *slog.Logger
}

// Decision is the outcome of one authorization check.
type Decision struct {
	Authorized bool
	// Reason explains the outcome in operator terms.
	Reason string
	// Depth is the delegation hop count at which the key matched, zero
	// for a direct match.
	Depth int
}

type cacheEntry struct {
	info      *AccountInfo
	expiresAt time.Time
}

// Verifier answers whether a public key may act for an account under a
// named permission, caching account data and following delegated
// authorities.
type Verifier struct {
	client ChainClient
	opts   Options
	log    *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	statsMu   sync.Mutex
	lookups   uint64
	cacheHits uint64
	rpcErrors uint64
	allowed   uint64
	denied    uint64
}

// NewVerifier builds a Verifier. client may be nil only in permissive
// mode, where every check passes with a warning.
func NewVerifier(client ChainClient, opts Options) (*Verifier, error) {
	if client == nil && !opts.Permissive {
		return nil, ErrStrictWithoutRPC
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Verifier{
		client: client,
		opts:   opts,
		log:    opts.Logger.With("component", "authz"),
		clock:  time.Now,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// WithClock replaces the time source. Test hook.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// IsAuthorized reports whether pubkey satisfies account@permission,
// either directly or through delegated accounts. Failures to resolve
// deny in strict mode and allow with a warning in permissive mode.
func (v *Verifier) IsAuthorized(ctx context.Context, account, permission, pubkey string) Decision {
	v.statsMu.Lock()
	v.lookups++
	v.statsMu.Unlock()

	visited := make(map[string]bool)
	d := v.check(ctx, account, permission, pubkey, 0, visited)

	v.statsMu.Lock()
	if d.Authorized {
		v.allowed++
	} else {
		v.denied++
	}
	v.statsMu.Unlock()

	if d.Authorized {
		v.log.Debug("authorization granted",
			"account", account, "permission", permission, "depth", d.Depth, "reason", d.Reason)
	} else {
		v.log.Warn("authorization denied",
			"account", account, "permission", permission, "reason", d.Reason)
	}
	return d
}

func (v *Verifier) check(ctx context.Context, account, permission, pubkey string, depth int, visited map[string]bool) Decision {
	if depth > v.opts.MaxDepth {
		return Decision{Reason: fmt.Sprintf("delegation depth limit (%d) exceeded", v.opts.MaxDepth), Depth: depth}
	}

	node := account + "@" + permission
	if visited[node] {
		return Decision{Reason: "delegation cycle at " + node, Depth: depth}
	}
	visited[node] = true

	info, err := v.getAccount(ctx, account)
	if err != nil {
		if v.opts.Permissive {
			v.log.Warn("account lookup failed, allowing in permissive mode",
				"account", account, "error", err)
			return Decision{Authorized: true, Reason: "permissive: account lookup failed", Depth: depth}
		}
		return Decision{Reason: fmt.Sprintf("account lookup failed: %v", err), Depth: depth}
	}

	perm := info.FindPermission(permission)
	if perm == nil {
		if v.opts.Permissive {
			v.log.Warn("permission not found, allowing in permissive mode",
				"account", account, "permission", permission)
			return Decision{Authorized: true, Reason: "permissive: permission not found", Depth: depth}
		}
		return Decision{Reason: "permission " + node + " not found", Depth: depth}
	}

	for _, kw := range perm.RequiredAuth.Keys {
		if keysEqual(kw.Key, pubkey) {
			return Decision{Authorized: true, Reason: "key listed on " + node, Depth: depth}
		}
	}

	for _, aw := range perm.RequiredAuth.Accounts {
		d := v.check(ctx, aw.Permission.Actor, aw.Permission.Permission, pubkey, depth+1, visited)
		if d.Authorized {
			return d
		}
	}

	return Decision{Reason: "key not present in authority of " + node, Depth: depth}
}

// getAccount serves from the TTL cache, fetching on miss or expiry.
func (v *Verifier) getAccount(ctx context.Context, account string) (*AccountInfo, error) {
	now := v.clock()

	v.mu.RLock()
	entry, ok := v.cache[account]
	v.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		v.statsMu.Lock()
		v.cacheHits++
		v.statsMu.Unlock()
		return entry.info, nil
	}

	if v.client == nil {
		return nil, errors.New("no chain RPC client configured")
	}

	info, err := v.client.GetAccount(ctx, account)
	if err != nil {
		v.statsMu.Lock()
		v.rpcErrors++
		v.statsMu.Unlock()
		return nil, err
	}

	v.mu.Lock()
	v.cache[account] = cacheEntry{info: info, expiresAt: now.Add(v.opts.CacheTTL)}
	v.mu.Unlock()
	return info, nil
}

// InvalidateAccount drops one account from the cache, forcing a fresh
// fetch on the next check.
func (v *Verifier) InvalidateAccount(account string) {
	v.mu.Lock()
	delete(v.cache, account)
	v.mu.Unlock()
}

// FlushCache drops all cached account data.
func (v *Verifier) FlushCache() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// Stats returns counters for the status endpoint.
func (v *Verifier) Stats() map[string]uint64 {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	return map[string]uint64{
		"lookups":   v.lookups,
		"cacheHits": v.cacheHits,
		"rpcErrors": v.rpcErrors,
		"allowed":   v.allowed,
		"denied":    v.denied,
	}
}

// keysEqual compares chain-listed keys against the event's author key,
// tolerating the enveloped and raw-hex spellings of the same Ed25519 key.
func keysEqual(chainKey, eventKey string) bool {
	if chainKey == eventKey {
		return true
	}
	a := strings.ToLower(strings.TrimPrefix(chainKey, "PUB_ED_"))
	b := strings.ToLower(strings.TrimPrefix(eventKey, "PUB_ED_"))
	return a != "" && a == b
}
