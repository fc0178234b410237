package ldap

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"

	"github.com/ldaptoid/ldaptoid/internal/logger"
	wire "github.com/ldaptoid/ldaptoid/internal/protocol/ldap"
	"github.com/ldaptoid/ldaptoid/pkg/directory"
)

// connState is the per-connection authentication state.
type connState int

const (
	stateUnauthenticated connState = iota
	stateBound
	stateClosing
)

// Connection handles a single LDAP client connection. Requests are
// served strictly in arrival order, so responses never interleave and
// message IDs mirror the request's.
type Connection struct {
	server *Adapter
	conn   net.Conn

	state  connState
	bindDN string

	// buf accumulates bytes until a complete LDAPMessage is framed.
	buf []byte
}

func newConnection(server *Adapter, conn net.Conn) *Connection {
	return &Connection{server: server, conn: conn}
}

// Serve reads and dispatches messages until the client unbinds, the
// connection drops, or the server shuts down.
func (c *Connection) Serve(ctx context.Context) {
	defer func() {
		_ = c.conn.Close()
	}()

	clientAddr := c.conn.RemoteAddr().String()
	chunk := make([]byte, DefaultReadBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.server.Shutdown:
			return
		default:
		}

		// Drain every complete message already buffered before reading
		// more bytes.
		for {
			msg, consumed, err := wire.Decode(c.buf)
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				var de *wire.DecodeError
				if errors.As(err, &de) && de.ID > 0 {
					c.write(wire.EncodeResult(de.ID, wire.AppBindResponse,
						wire.ResultProtocolError, "", "malformed request"))
				}
				logger.Debug("closing connection on decode error",
					logger.KeyClientIP, clientAddr, logger.KeyError, err)
				return
			}
			c.buf = c.buf[consumed:]
			if !c.handleMessage(ctx, msg) {
				return
			}
		}

		if c.state == stateClosing {
			return
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
					logger.Debug("read error", logger.KeyClientIP, clientAddr, logger.KeyError, err)
				}
			}
			return
		}
	}
}

// handleMessage dispatches one decoded message. Returns false when the
// connection must close.
func (c *Connection) handleMessage(ctx context.Context, msg *wire.Message) bool {
	switch req := msg.Request.(type) {
	case *wire.BindRequest:
		return c.handleBind(msg, req)

	case *wire.UnbindRequest:
		c.state = stateClosing
		return false

	case *wire.AbandonRequest:
		// Abandon has no response; searches are served synchronously, so
		// there is never an operation left to abandon.
		return true

	case *wire.SearchRequest:
		c.handleSearch(ctx, msg, req)
		return true

	case *wire.UnsupportedRequest:
		c.record("unsupported", wire.ResultProtocolError)
		c.write(wire.EncodeResult(msg.ID, wire.ResponseTagFor(req.Tag),
			wire.ResultProtocolError, "", "operation not supported by this read-only server"))
		return true

	default:
		c.write(wire.EncodeResult(msg.ID, wire.AppExtendedResponse,
			wire.ResultProtocolError, "", "unrecognized operation"))
		return true
	}
}

// handleBind implements the Bind state transitions. Failure codes never
// distinguish unknown DN from wrong password.
func (c *Connection) handleBind(msg *wire.Message, req *wire.BindRequest) bool {
	if wire.HasUnknownCriticalControl(msg.Controls) {
		c.record("bind", wire.ResultUnavailableCriticalExtension)
		c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse,
			wire.ResultUnavailableCriticalExtension, "", "critical control not supported"))
		return true
	}

	if req.SASL {
		c.record("bind", wire.ResultAuthMethodNotSupported)
		c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse,
			wire.ResultAuthMethodNotSupported, "", "SASL binds are not supported"))
		return true
	}

	if req.Version != 3 {
		c.record("bind", wire.ResultProtocolError)
		c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse,
			wire.ResultProtocolError, "", "only LDAPv3 is supported"))
		return true
	}

	cfg := &c.server.config

	// Anonymous bind.
	if req.DN == "" && len(req.Password) == 0 {
		if cfg.AllowAnonymousBind || !cfg.serviceAccountConfigured() {
			c.state = stateBound
			c.bindDN = ""
			c.record("bind", wire.ResultSuccess)
			c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse, wire.ResultSuccess, "", ""))
			return true
		}
		c.record("bind", wire.ResultInsufficientAccessRights)
		c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse,
			wire.ResultInsufficientAccessRights, "", "anonymous bind disabled"))
		return true
	}

	// Service-account bind. DN comparison is case-insensitive with
	// whitespace collapsed; the password check is constant-time.
	if cfg.serviceAccountConfigured() &&
		directory.EqualDN(req.DN, cfg.BindDN) &&
		subtle.ConstantTimeCompare(req.Password, []byte(cfg.BindPassword)) == 1 {
		c.state = stateBound
		c.bindDN = cfg.BindDN
		c.record("bind", wire.ResultSuccess)
		c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse, wire.ResultSuccess, "", ""))
		return true
	}

	c.record("bind", wire.ResultInvalidCredentials)
	c.write(wire.EncodeResult(msg.ID, wire.AppBindResponse,
		wire.ResultInvalidCredentials, "", "invalid credentials"))
	return true
}

// searchAuthorized gates Search on the connection state: when a service
// account is configured and anonymous access is off, only bound
// connections may search.
func (c *Connection) searchAuthorized() bool {
	if c.state == stateBound {
		return true
	}
	cfg := &c.server.config
	return cfg.AllowAnonymousBind || !cfg.serviceAccountConfigured()
}

// write sends one encoded response. Write errors mark the connection
// closing; the read loop notices on its next cycle.
func (c *Connection) write(resp []byte) {
	if c.state == stateClosing {
		return
	}
	if _, err := c.conn.Write(resp); err != nil {
		logger.Debug("write error",
			logger.KeyClientIP, c.conn.RemoteAddr().String(), logger.KeyError, err)
		c.state = stateClosing
	}
}

// record counts one completed request on the metrics surface.
func (c *Connection) record(operation string, code int) {
	if c.server.metrics != nil {
		c.server.metrics.RecordRequest(operation, code)
	}
}
