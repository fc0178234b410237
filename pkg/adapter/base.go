package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ldaptoid/ldaptoid/internal/logger"
)

// BaseConfig holds configuration common to protocol adapters.
type BaseConfig struct {
	// BindAddress is the IP address to bind to. Empty binds all
	// interfaces.
	BindAddress string

	// Port is the TCP port to listen on.
	Port int

	// MaxConnections limits concurrent client connections. 0 means
	// unlimited.
	MaxConnections int

	// ShutdownTimeout bounds the wait for active connections during
	// graceful shutdown.
	ShutdownTimeout time.Duration
}

// BaseAdapter implements the shared TCP accept loop and shutdown
// machinery. Protocol adapters embed it and provide connection handlers
// via a ConnectionFactory.
//
// Shutdown sequence: the shutdown channel closes (stops the accept
// loop), the listener closes, blocking reads are interrupted with a
// short deadline, the shutdown context is cancelled, and remaining
// connections are force-closed after ShutdownTimeout.
type BaseAdapter struct {
	Config BaseConfig

	// Metrics is an optional recorder for connection lifecycle metrics.
	Metrics MetricsRecorder

	protocolName string

	listener   net.Listener
	listenerMu sync.RWMutex

	// ListenerReady closes once the listener accepts connections. Tests
	// use it to synchronize with startup.
	ListenerReady chan struct{}

	// Shutdown closes when graceful shutdown begins.
	Shutdown chan struct{}

	// ShutdownCtx is cancelled during shutdown to abort in-flight
	// requests on every connection.
	ShutdownCtx    context.Context
	cancelRequests context.CancelFunc

	shutdownOnce sync.Once

	activeConns       sync.WaitGroup
	ConnCount         atomic.Int32
	activeConnections sync.Map // remote addr -> net.Conn
	connSemaphore     chan struct{}
}

// NewBaseAdapter creates the shared lifecycle state for one protocol
// listener.
func NewBaseAdapter(config BaseConfig, protocol string) *BaseAdapter {
	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}
	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &BaseAdapter{
		Config:         config,
		protocolName:   protocol,
		ListenerReady:  make(chan struct{}),
		Shutdown:       make(chan struct{}),
		ShutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
		connSemaphore:  sem,
	}
}

// ServeWithFactory runs the accept loop until shutdown, delegating each
// accepted connection to factory.
func (b *BaseAdapter) ServeWithFactory(ctx context.Context, factory ConnectionFactory) error {
	listenAddr := fmt.Sprintf("%s:%d", b.Config.BindAddress, b.Config.Port)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to create %s listener on port %d: %w", b.protocolName, b.Config.Port, err)
	}

	b.listenerMu.Lock()
	b.listener = listener
	b.listenerMu.Unlock()
	close(b.ListenerReady)

	logger.Info(b.protocolName+" server listening", logger.KeyPort, b.Config.Port)

	go func() {
		<-ctx.Done()
		b.initiateShutdown()
	}()

	for {
		if b.connSemaphore != nil {
			select {
			case b.connSemaphore <- struct{}{}:
			case <-b.Shutdown:
				return b.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if b.connSemaphore != nil {
				<-b.connSemaphore
			}
			select {
			case <-b.Shutdown:
				return b.gracefulShutdown()
			default:
				logger.Debug("error accepting "+b.protocolName+" connection", logger.KeyError, err)
				continue
			}
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		b.activeConns.Add(1)
		b.ConnCount.Add(1)
		addr := tcpConn.RemoteAddr().String()
		b.activeConnections.Store(addr, tcpConn)

		if b.Metrics != nil {
			b.Metrics.RecordConnectionAccepted()
			b.Metrics.SetActiveConnections(b.ConnCount.Load())
		}
		logger.Debug(b.protocolName+" connection accepted",
			logger.KeyClientIP, addr, "active", b.ConnCount.Load())

		handler := factory.NewConnection(tcpConn)
		go func(addr string) {
			defer func() {
				b.activeConnections.Delete(addr)
				b.activeConns.Done()
				b.ConnCount.Add(-1)
				if b.connSemaphore != nil {
					<-b.connSemaphore
				}
				if b.Metrics != nil {
					b.Metrics.RecordConnectionClosed()
					b.Metrics.SetActiveConnections(b.ConnCount.Load())
				}
				logger.Debug(b.protocolName+" connection closed",
					logger.KeyClientIP, addr, "active", b.ConnCount.Load())
			}()
			handler.Serve(b.ShutdownCtx)
		}(addr)
	}
}

// initiateShutdown signals the accept loop, closes the listener,
// interrupts blocking reads and cancels in-flight requests. Idempotent.
func (b *BaseAdapter) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		logger.Debug(b.protocolName + " shutdown initiated")
		close(b.Shutdown)

		b.listenerMu.Lock()
		if b.listener != nil {
			if err := b.listener.Close(); err != nil {
				logger.Debug("error closing "+b.protocolName+" listener", logger.KeyError, err)
			}
		}
		b.listenerMu.Unlock()

		b.interruptBlockingReads()
		b.cancelRequests()
	})
}

// interruptBlockingReads sets a short read deadline on every active
// connection so pending reads return during shutdown.
func (b *BaseAdapter) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	b.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.SetReadDeadline(deadline)
		}
		return true
	})
}

// gracefulShutdown waits for active connections up to ShutdownTimeout,
// then force-closes the rest.
func (b *BaseAdapter) gracefulShutdown() error {
	active := b.ConnCount.Load()
	logger.Info(b.protocolName+" graceful shutdown: waiting for active connections",
		"active", active, "timeout", b.Config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info(b.protocolName + " graceful shutdown complete")
		return nil
	case <-time.After(b.Config.ShutdownTimeout):
		remaining := b.ConnCount.Load()
		b.forceCloseConnections()
		return fmt.Errorf("%s shutdown timeout: %d connections force-closed", b.protocolName, remaining)
	}
}

// forceCloseConnections closes every tracked connection.
func (b *BaseAdapter) forceCloseConnections() {
	closed := 0
	b.activeConnections.Range(func(key, value any) bool {
		conn := value.(net.Conn)
		if err := conn.Close(); err == nil {
			closed++
			if b.Metrics != nil {
				b.Metrics.RecordConnectionForceClosed()
			}
		}
		return true
	})
	if closed > 0 {
		logger.Info("force-closed "+b.protocolName+" connections", "count", closed)
	}
}

// Stop initiates graceful shutdown and waits for connections to drain or
// the context to expire.
func (b *BaseAdapter) Stop(ctx context.Context) error {
	b.initiateShutdown()
	if ctx == nil {
		return b.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		b.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.forceCloseConnections()
		return ctx.Err()
	}
}

// GetListenerAddr blocks until the listener is ready and returns its
// address. Used by tests binding port 0.
func (b *BaseAdapter) GetListenerAddr() string {
	<-b.ListenerReady
	b.listenerMu.RLock()
	defer b.listenerMu.RUnlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// GetActiveConnections returns the current connection count.
func (b *BaseAdapter) GetActiveConnections() int32 {
	return b.ConnCount.Load()
}
