package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	shell "github.com/ipfs/go-ipfs-api"
)

// minAgentVersion is the oldest node version known to serve raw blocks with
// the request shapes used here. Older agents trigger a startup warning, not
// a failure.
const minAgentVersion = "0.18.0"

// IPFSConfig holds configuration for the content-addressed tier.
type IPFSConfig struct {
	// URL of the node's RPC API, e.g. http://127.0.0.1:5001.
	URL string
	// Gateway is kept for operators that expose read-through gateways.
	Gateway string
	Timeout time.Duration
}

// IPFSStore implements BlockBackend over a node's HTTP RPC API. Blocks are
// raw-codec CIDv1 with sha2-256 multihashes, matching the locally derived
// CIDs, so the node can never silently re-address content.
type IPFSStore struct {
	sh      *shell.Shell
	gateway string
	log     *slog.Logger
}

// NewIPFSStore creates the content-addressed tier client.
func NewIPFSStore(cfg IPFSConfig) *IPFSStore {
	sh := shell.NewShell(cfg.URL)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sh.SetTimeout(timeout)
	return &IPFSStore{
		sh:      sh,
		gateway: cfg.Gateway,
		log:     slog.Default().With("component", "ipfs"),
	}
}

// PutBlock stores data as a raw block and returns the node-computed CID.
func (s *IPFSStore) PutBlock(_ context.Context, data []byte) (string, error) {
	cid, err := s.sh.BlockPut(data, "raw", "sha2-256", -1)
	if err != nil {
		return "", fmt.Errorf("ipfs block put: %w", err)
	}
	return cid, nil
}

// GetBlock fetches the raw block bytes for a CID.
func (s *IPFSStore) GetBlock(_ context.Context, cid string) ([]byte, error) {
	data, err := s.sh.BlockGet(cid)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: cid %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("ipfs block get: %w", err)
	}
	return data, nil
}

func (s *IPFSStore) Pin(_ context.Context, cid string) error {
	if err := s.sh.Pin(cid); err != nil {
		return fmt.Errorf("ipfs pin: %w", err)
	}
	return nil
}

func (s *IPFSStore) Unpin(_ context.Context, cid string) error {
	if err := s.sh.Unpin(cid); err != nil {
		return fmt.Errorf("ipfs unpin: %w", err)
	}
	return nil
}

// AgentVersion probes the node and returns its agent string. Nodes older
// than minAgentVersion are logged, not rejected.
func (s *IPFSStore) AgentVersion(_ context.Context) (string, error) {
	id, err := s.sh.ID()
	if err != nil {
		return "", fmt.Errorf("ipfs id: %w", err)
	}
	agent := id.AgentVersion
	if v := parseAgentSemver(agent); v != nil {
		if floor, err := semver.NewVersion(minAgentVersion); err == nil && v.LessThan(floor) {
			s.log.Warn("node agent older than supported floor",
				"agent", agent, "floor", minAgentVersion)
		}
	}
	return agent, nil
}

// parseAgentSemver extracts the version from agent strings like
// "kubo/0.24.0/abcdef". Unparseable agents return nil.
func parseAgentSemver(agent string) *semver.Version {
	parts := strings.Split(agent, "/")
	for _, p := range parts {
		if v, err := semver.NewVersion(p); err == nil {
			return v
		}
	}
	return nil
}

func (s *IPFSStore) Close() error {
	return nil
}
