package grpcbackend

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Cell is a lazily initialized, single-initialization gRPC client handle
// for one worker address (spec.md §3's worker field of the same shape,
// and spec.md §5's "gRPC client handles are single-initialization cells"
// ordering guarantee): concurrent callers racing Get all block on one
// dial, not one-per-caller.
type Cell struct {
	target string

	once   sync.Once
	client Client
	conn   *grpc.ClientConn
	err    error
}

// NewCell returns a Cell for target, not yet dialed.
func NewCell(target string) *Cell {
	return &Cell{target: target}
}

// Get dials target on first call and returns the same Client (and
// error, if dialing failed) on every subsequent call, regardless of
// which goroutine's call actually performed the dial.
func (c *Cell) Get(ctx context.Context) (Client, error) {
	c.once.Do(func() {
		conn, err := grpc.NewClient(c.target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			c.err = fmt.Errorf("grpcbackend: dial %s: %w", c.target, err)
			return
		}
		c.conn = conn
		c.client = NewClient(conn)
	})
	return c.client, c.err
}

// Close releases the underlying connection, if one was ever
// established. Safe to call even if Get was never called.
func (c *Cell) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
