// Package machine implements a typed client over the machine-server RPC
// surface: GetVersion, Machine, GetInitialConfig, ReadMemory, WriteMemory,
// ReplaceMemoryRange, Run, Snapshot, Rollback, ResetIflagsY,
// UpdateMerkleTree, GetRootHash, GetProof, and Shutdown. The machine server
// is an external black-box RPC peer (spawned as a child process); no
// .proto IDL for it is in scope, so requests and responses are plain Go
// structs carried over real gRPC framing through the rpcjson codec.
package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cartesi-corp/rollup-manager/internal/hash"
	"github.com/cartesi-corp/rollup-manager/internal/merkle"
	_ "github.com/cartesi-corp/rollup-manager/internal/rpcjson" // registers the "json" codec
)

const serviceName = "CartesiMachine"

func method(name string) string {
	return "/" + serviceName + "/" + name
}

// Client is a connection to one spawned machine-server child. It is not
// safe for concurrent use by multiple goroutines beyond what the owning
// session's locking already serializes.
type Client struct {
	conn *grpc.ClientConn
	addr string
}

// Dial builds a client for the machine server at addr with grpc.NewClient,
// retrying with backoff while NewClient itself returns an error. NewClient
// connects lazily, so Dial does not wait for the server's listener: an
// unreachable server surfaces as an error on the first RPC, not here.
// ctx bounds the whole retry loop. extra is appended
// after the default transport/codec options, letting callers (tests, in
// particular) substitute a custom dialer.
func Dial(ctx context.Context, addr string, extra ...grpc.DialOption) (*Client, error) {
	var conn *grpc.ClientConn

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	}, extra...)

	operation := func() error {
		c, err := grpc.NewClient(addr, opts...)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("machine: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, addr: addr}, nil
}

// Close releases the underlying connection. It does not shut down the
// remote machine server; callers that own the session should call
// Shutdown first.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, deadline time.Duration, name string, req, resp interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := c.conn.Invoke(cctx, method(name), req, resp); err != nil {
		return fmt.Errorf("machine: %s: %w", name, err)
	}
	return nil
}

// GetVersion returns the remote machine server's version.
func (c *Client) GetVersion(ctx context.Context, deadline time.Duration) (Version, error) {
	var resp Version
	err := c.call(ctx, deadline, "GetVersion", struct{}{}, &resp)
	return resp, err
}

// Machine instantiates the remote machine from cfg.
func (c *Client) Machine(ctx context.Context, deadline time.Duration, cfg Config) error {
	var resp struct{}
	return c.call(ctx, deadline, "Machine", cfg, &resp)
}

// GetInitialConfig returns the configuration the remote machine was
// actually instantiated with.
func (c *Client) GetInitialConfig(ctx context.Context, deadline time.Duration) (InitialConfig, error) {
	var resp InitialConfig
	err := c.call(ctx, deadline, "GetInitialConfig", struct{}{}, &resp)
	return resp, err
}

// ReadMemory reads length bytes starting at addr.
func (c *Client) ReadMemory(ctx context.Context, deadline time.Duration, addr, length uint64) ([]byte, error) {
	req := struct {
		Address uint64 `json:"address"`
		Length  uint64 `json:"length"`
	}{addr, length}
	var resp struct {
		Data []byte `json:"data"`
	}
	err := c.call(ctx, deadline, "ReadMemory", req, &resp)
	return resp.Data, err
}

// WriteMemory writes data starting at addr.
func (c *Client) WriteMemory(ctx context.Context, deadline time.Duration, addr uint64, data []byte) error {
	req := struct {
		Address uint64 `json:"address"`
		Data    []byte `json:"data"`
	}{addr, data}
	var resp struct{}
	return c.call(ctx, deadline, "WriteMemory", req, &resp)
}

// ReplaceMemoryRange replaces an existing memory range with a freshly
// allocated, empty one of the same geometry.
func (c *Client) ReplaceMemoryRange(ctx context.Context, deadline time.Duration, cfg MemoryRangeConfig) error {
	var resp struct{}
	return c.call(ctx, deadline, "ReplaceMemoryRange", cfg, &resp)
}

// Run advances the machine up to mcycle limit.
func (c *Client) Run(ctx context.Context, deadline time.Duration, limit uint64) (RunResult, error) {
	req := struct {
		Limit uint64 `json:"limit"`
	}{limit}
	var resp RunResult
	err := c.call(ctx, deadline, "Run", req, &resp)
	return resp, err
}

// Snapshot causes the remote server to fork/respawn; the caller must wait
// on the checkin rendezvous for the child's reconnection afterwards.
func (c *Client) Snapshot(ctx context.Context, deadline time.Duration) error {
	var resp struct{}
	return c.call(ctx, deadline, "Snapshot", struct{}{}, &resp)
}

// Rollback restores the machine to its last snapshot; like Snapshot, this
// causes the remote server to respawn.
func (c *Client) Rollback(ctx context.Context, deadline time.Duration) error {
	var resp struct{}
	return c.call(ctx, deadline, "Rollback", struct{}{}, &resp)
}

// ResetIflagsY clears the machine's yield flag ahead of a Run loop.
func (c *Client) ResetIflagsY(ctx context.Context, deadline time.Duration) error {
	var resp struct{}
	return c.call(ctx, deadline, "ResetIflagsY", struct{}{}, &resp)
}

// UpdateMerkleTree refreshes the machine's internal Merkle tree to reflect
// its current state.
func (c *Client) UpdateMerkleTree(ctx context.Context, deadline time.Duration) error {
	var resp struct{}
	return c.call(ctx, deadline, "UpdateMerkleTree", struct{}{}, &resp)
}

// GetRootHash returns the machine's current state root hash.
func (c *Client) GetRootHash(ctx context.Context, deadline time.Duration) (hash.Hash, error) {
	var resp struct {
		RootHash [32]byte `json:"root_hash"`
	}
	err := c.call(ctx, deadline, "GetRootHash", struct{}{}, &resp)
	return hash.Hash(resp.RootHash), err
}

// GetProof returns an inclusion proof for the subtree of size 1<<log2Size
// at addr, within the machine's internal Merkle tree.
func (c *Client) GetProof(ctx context.Context, deadline time.Duration, addr, log2Size uint64) (merkle.Proof, error) {
	req := struct {
		Address  uint64 `json:"address"`
		Log2Size uint64 `json:"log2_size"`
	}{addr, log2Size}
	var resp ProofWire
	if err := c.call(ctx, deadline, "GetProof", req, &resp); err != nil {
		return merkle.Proof{}, err
	}
	siblings := make([]hash.Hash, len(resp.Siblings))
	for i, s := range resp.Siblings {
		siblings[i] = hash.Hash(s)
	}
	return merkle.Proof{
		TargetAddress:  resp.TargetAddress,
		TargetHash:     hash.Hash(resp.TargetHash),
		RootHash:       hash.Hash(resp.RootHash),
		Log2TargetSize: resp.Log2TargetSize,
		Log2RootSize:   resp.Log2RootSize,
		Siblings:       siblings,
	}, nil
}

// Store persists the machine's current state to directory on the machine
// server's own filesystem. Invoked optionally by FinishEpoch before
// closing an epoch.
func (c *Client) Store(ctx context.Context, deadline time.Duration, directory string) error {
	req := struct {
		Directory string `json:"directory"`
	}{directory}
	var resp struct{}
	return c.call(ctx, deadline, "Store", req, &resp)
}

// Shutdown asks the remote machine server to terminate cleanly.
func (c *Client) Shutdown(ctx context.Context, deadline time.Duration) error {
	var resp struct{}
	return c.call(ctx, deadline, "Shutdown", struct{}{}, &resp)
}
