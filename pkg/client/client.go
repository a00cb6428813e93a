// Package client implements the Go-side counterpart of the transaction
// protocol. A Client keeps one pooled connection per open transaction and
// drives the request/response exchange for it.
package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojofs/core/storage"
	"github.com/sushant-115/gojofs/core/wire"
	"github.com/sushant-115/gojofs/pkg/connection"
)

const (
	// DefaultDialTimeout bounds how long a new connection attempt may take.
	DefaultDialTimeout = 5 * time.Second

	// DefaultPoolSize is the maximum number of pooled connections per server.
	DefaultPoolSize = 16
)

// ServerError is a protocol-level error reported by the server. The server
// closes the conversation after sending one, so the transaction it belonged
// to is dead.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// ResendError reports that the server refused a commit because a sequence
// number is missing and asked for it to be sent again.
type ResendError struct {
	MissingSeqNum int64
}

func (e *ResendError) Error() string {
	return fmt.Sprintf("server requested resend of sequence number %d", e.MissingSeqNum)
}

// Client talks to a single file server. It is safe for concurrent use.
type Client struct {
	addr   string
	pools  *connection.ConnectionPoolManager
	logger *zap.Logger

	mu    sync.Mutex
	conns map[int64]*connection.PooledConn
}

// New builds a Client for the server at addr.
func New(addr string, logger *zap.Logger) *Client {
	return &Client{
		addr:   addr,
		pools:  connection.NewConnectionPoolManager(DefaultPoolSize, DefaultDialTimeout),
		logger: logger,
		conns:  make(map[int64]*connection.PooledConn),
	}
}

// NewTxn opens a transaction for fileName and returns its server-assigned ID.
// The connection stays bound to the transaction until Commit or Abort.
func (c *Client) NewTxn(fileName string) (int64, error) {
	conn, err := c.pools.Get(c.addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	resp, err := c.exchange(conn, wire.CmdNewTxn, wire.DefaultTxnID, wire.InitialSeqNum, []byte(fileName))
	if err != nil {
		conn.ForceClose()
		return 0, err
	}
	if resp.cmd == wire.CmdError {
		conn.ForceClose()
		return 0, &ServerError{Code: resp.errCode, Message: string(resp.payload)}
	}

	c.mu.Lock()
	c.conns[resp.txnID] = conn
	c.mu.Unlock()

	c.logger.Debug("transaction opened",
		zap.Int64("txn_id", resp.txnID),
		zap.String("file", fileName),
	)
	return resp.txnID, nil
}

// Write sends one data packet for the transaction. Sequence numbers start at
// 1 and may arrive in any order.
func (c *Client) Write(txnID, seqNum int64, data []byte) error {
	conn, err := c.txnConn(txnID)
	if err != nil {
		return err
	}

	resp, err := c.exchange(conn, wire.CmdWrite, txnID, seqNum, data)
	if err != nil {
		c.dropTxn(txnID)
		return err
	}
	if resp.cmd == wire.CmdError {
		c.dropTxn(txnID)
		return &ServerError{Code: resp.errCode, Message: string(resp.payload)}
	}
	return nil
}

// Commit asks the server to flush the transaction. seqNum must be the highest
// sequence number written. A *ResendError means the server is missing a
// packet; resend it with Write and call Commit again.
func (c *Client) Commit(txnID, seqNum int64) error {
	conn, err := c.txnConn(txnID)
	if err != nil {
		return err
	}

	resp, err := c.exchange(conn, wire.CmdCommit, txnID, seqNum, nil)
	if err != nil {
		c.dropTxn(txnID)
		return err
	}
	switch resp.cmd {
	case wire.CmdAskResend:
		return &ResendError{MissingSeqNum: resp.seqNum}
	case wire.CmdError:
		c.dropTxn(txnID)
		return &ServerError{Code: resp.errCode, Message: string(resp.payload)}
	}

	// The committed transaction releases its connection back to the pool.
	c.mu.Lock()
	delete(c.conns, txnID)
	c.mu.Unlock()
	conn.Close()
	return nil
}

// Abort discards the transaction. The server closes the conversation after
// acknowledging, so the connection is not reusable.
func (c *Client) Abort(txnID int64) error {
	conn, err := c.txnConn(txnID)
	if err != nil {
		return err
	}

	resp, err := c.exchange(conn, wire.CmdAbort, txnID, wire.InitialSeqNum+1, nil)
	c.dropTxn(txnID)
	if err != nil {
		return err
	}
	if resp.cmd == wire.CmdError {
		return &ServerError{Code: resp.errCode, Message: string(resp.payload)}
	}
	return nil
}

// Read returns the full contents of fileName.
func (c *Client) Read(fileName string) ([]byte, error) {
	conn, err := c.pools.Get(c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	resp, err := c.exchange(conn, wire.CmdRead, wire.DefaultTxnID, wire.ErrorSeqNum, []byte(fileName))
	if err != nil {
		conn.ForceClose()
		return nil, err
	}
	if resp.cmd == wire.CmdError {
		conn.ForceClose()
		return nil, &ServerError{Code: resp.errCode, Message: string(resp.payload)}
	}

	conn.Close()
	return resp.payload, nil
}

// Close force-closes every transaction connection and drains the pool.
// In-flight transactions on the server are left to the timeout watcher.
func (c *Client) Close() {
	c.mu.Lock()
	for txnID, conn := range c.conns {
		conn.ForceClose()
		delete(c.conns, txnID)
	}
	c.mu.Unlock()
	c.pools.Close()
}

// response is one parsed server reply.
type response struct {
	cmd     string
	txnID   int64
	seqNum  int64
	errCode int
	payload []byte
}

// exchange writes one request and reads back one full response.
func (c *Client) exchange(conn *connection.PooledConn, cmd string, txnID, seqNum int64, payload []byte) (*response, error) {
	msg, err := wire.EncodeRequest(cmd, txnID, seqNum, payload)
	if err != nil {
		return nil, err
	}
	if err := storage.WriteFull(conn, msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}

	header := make([]byte, wire.ResponseHeaderLen)
	if err := storage.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read %s response: %w", cmd, err)
	}

	respCmd, respTxnID, respSeqNum, errCode, contentLen, err := wire.ParseResponse(header)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", cmd, err)
	}

	body := make([]byte, contentLen)
	if contentLen > 0 {
		if err := storage.ReadFull(conn, body); err != nil {
			return nil, fmt.Errorf("read %s payload: %w", cmd, err)
		}
	}

	return &response{
		cmd:     respCmd,
		txnID:   respTxnID,
		seqNum:  respSeqNum,
		errCode: errCode,
		payload: body,
	}, nil
}

// txnConn looks up the connection bound to a transaction.
func (c *Client) txnConn(txnID int64) (*connection.PooledConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[txnID]
	if !ok {
		return nil, fmt.Errorf("no open transaction with id %d", txnID)
	}
	return conn, nil
}

// dropTxn force-closes and forgets a transaction connection. The server
// closes its side after errors and aborts, so the socket is unusable.
func (c *Client) dropTxn(txnID int64) {
	c.mu.Lock()
	conn, ok := c.conns[txnID]
	delete(c.conns, txnID)
	c.mu.Unlock()
	if ok {
		conn.ForceClose()
	}
}
