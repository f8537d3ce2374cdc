package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/lockfile"
	"github.com/fieldworks/caravan/internal/types"
)

// ErrDaemonUnavailable reports that no daemon answered on the socket.
// Callers with a direct-store fallback branch on it.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// ClientVersion is sent with every request. The CLI entry point
// overwrites it with the build version.
var ClientVersion = "dev"

const dialTimeout = 200 * time.Millisecond

// Client is one connection to the daemon. It is not safe for concurrent
// use; the CLI runs one call at a time.
type Client struct {
	conn       net.Conn
	socketPath string
	timeout    time.Duration
	actor      string
}

// TryConnect dials the daemon socket. It returns (nil, nil) when no
// daemon is running, so callers can quietly fall back to direct store
// access. A non-nil error means something beyond "not running" is wrong.
func TryConnect(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		// No socket. If the daemon lock is free there is no daemon;
		// if it is held the daemon is still starting up. Either way
		// there is nothing to talk to right now.
		held, lockErr := lockfile.Held(filepath.Dir(socketPath))
		if lockErr == nil && !held {
			debug.Logf("rpc: no socket and no daemon lock at %s", socketPath)
		}
		return nil, nil
	}

	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		// Stale socket from a crashed daemon.
		debug.Logf("rpc: dial %s: %v", socketPath, err)
		return nil, nil
	}

	client := &Client{
		conn:       conn,
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
	if _, err := client.Ping(); err != nil {
		_ = conn.Close()
		debug.Logf("rpc: ping failed: %v", err)
		return nil, nil
	}
	return client, nil
}

// Connect is TryConnect for callers that require the daemon: absence is
// an error (ErrDaemonUnavailable) instead of a nil client.
func Connect(socketPath string) (*Client, error) {
	client, err := TryConnect(socketPath)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("connect %s: %w", socketPath, ErrDaemonUnavailable)
	}
	return client, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// SetActor attributes subsequent operations to the given actor.
func (c *Client) SetActor(actor string) {
	c.actor = actor
}

// SetTimeout adjusts the per-call deadline.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Execute sends one request and reads one response. A response with
// Success false is returned alongside an error carrying its message.
func (c *Client) Execute(operation string, args any) (*Response, error) {
	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode args: %w", err)
		}
		rawArgs = encoded
	}

	req := Request{
		Operation:     operation,
		Args:          rawArgs,
		Actor:         c.actor,
		ClientVersion: ClientVersion,
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	writer := bufio.NewWriter(c.conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush request: %w", err)
	}

	line, err := bufio.NewReader(c.conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

// call executes an operation and decodes its Data into out (skipped when
// out is nil).
func (c *Client) call(operation string, args, out any) error {
	resp, err := c.Execute(operation, args)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// Ping verifies the daemon answers and reports its version.
func (c *Client) Ping() (*PingResult, error) {
	var result PingResult
	if err := c.call(OpPing, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the daemon self-report.
func (c *Client) Status() (*StatusResult, error) {
	var result StatusResult
	if err := c.call(OpStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Shutdown asks the daemon to stop. The response arrives before the
// socket closes.
func (c *Client) Shutdown() error {
	return c.call(OpShutdown, nil, nil)
}

// QueueSummary returns queue counters.
func (c *Client) QueueSummary() (*types.QueueSummary, error) {
	var summary types.QueueSummary
	if err := c.call(OpQueueSummary, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// QueueList returns queue items matching the filter.
func (c *Client) QueueList(args QueueListArgs) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	if err := c.call(OpQueueList, args, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// QueueWatch long-polls the queue. The connection deadline is widened to
// cover the server-side wait.
func (c *Client) QueueWatch(args QueueWatchArgs) (*QueueWatchResult, error) {
	wait := defaultWatchTimeout
	if args.TimeoutMs > 0 {
		wait = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	saved := c.timeout
	c.timeout = wait + 10*time.Second
	defer func() { c.timeout = saved }()

	var result QueueWatchResult
	if err := c.call(OpQueueWatch, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueueRetry clears failure bookkeeping so the item is claimable again.
func (c *Client) QueueRetry(id string) (*types.QueueItem, error) {
	var item types.QueueItem
	if err := c.call(OpQueueRetry, QueueItemArgs{ID: id}, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// QueueRemove deletes a queue item and returns what was removed.
func (c *Client) QueueRemove(id string) (*types.QueueItem, error) {
	var item types.QueueItem
	if err := c.call(OpQueueRemove, QueueItemArgs{ID: id}, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// OverridePriority pins or clears a manual score.
func (c *Client) OverridePriority(args OverridePriorityArgs) (*types.QueueItem, error) {
	var item types.QueueItem
	if err := c.call(OpOverridePriority, args, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ConflictList returns conflicts matching the filter.
func (c *Client) ConflictList(args ConflictListArgs) ([]*types.Conflict, error) {
	var conflicts []*types.Conflict
	if err := c.call(OpConflictList, args, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// ConflictShow returns one conflict.
func (c *Client) ConflictShow(id string) (*types.Conflict, error) {
	var conflict types.Conflict
	if err := c.call(OpConflictShow, ConflictShowArgs{ID: id}, &conflict); err != nil {
		return nil, err
	}
	return &conflict, nil
}

// ConflictStats returns conflict aggregates.
func (c *Client) ConflictStats() (*types.ConflictStats, error) {
	var stats types.ConflictStats
	if err := c.call(OpConflictStats, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ConflictResolve applies a resolution strategy.
func (c *Client) ConflictResolve(args ConflictResolveArgs) (*types.Conflict, error) {
	var conflict types.Conflict
	if err := c.call(OpConflictResolve, args, &conflict); err != nil {
		return nil, err
	}
	return &conflict, nil
}

// UpdateList returns optimistic updates, optionally filtered by status.
func (c *Client) UpdateList(status string) ([]*types.OptimisticUpdate, error) {
	var updates []*types.OptimisticUpdate
	if err := c.call(OpUpdateList, UpdateListArgs{Status: status}, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// UpdateRetry re-queues a failed optimistic update.
func (c *Client) UpdateRetry(id string) (*types.OptimisticUpdate, error) {
	var update types.OptimisticUpdate
	if err := c.call(OpUpdateRetry, UpdateRetryArgs{ID: id}, &update); err != nil {
		return nil, err
	}
	return &update, nil
}

// UpdateRollback reverts an optimistic update.
func (c *Client) UpdateRollback(id, reason string) (*types.OptimisticUpdate, error) {
	var update types.OptimisticUpdate
	if err := c.call(OpUpdateRollback, UpdateRollbackArgs{ID: id, Reason: reason}, &update); err != nil {
		return nil, err
	}
	return &update, nil
}

// RollbackAllFailed reverts every failed update and reports the count.
func (c *Client) RollbackAllFailed() (int, error) {
	var result RollbackAllResult
	if err := c.call(OpRollbackAllFailed, nil, &result); err != nil {
		return 0, err
	}
	return result.RolledBack, nil
}
