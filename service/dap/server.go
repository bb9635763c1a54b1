// Package dap implements a DAP server bridging VSCode-style frontends to a
// native debug engine. The frontend sends synchronous requests and receives
// server-initiated events over a single connection; the engine delivers
// notifications asynchronously on its own goroutines and accepts blocking
// commands. The session object owns all translation, state reconciliation
// and lifetime management between the two.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"io"
	"net"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/strutdbg/strut/pkg/logflags"
	"github.com/strutdbg/strut/service"
)

// Server implements a DAP server that accepts a single client for a single
// debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// underlying engine and sending back events and responses.
type Server struct {
	// config is all the information necessary to start the engine and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// stopChan is closed when the server is Stop()-ed. This can be used to
	// signal to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// session is the debug session serving the accepted connection.
	session *Session
	// log is used for structured logging.
	log *logrus.Entry
}

// NewServer creates a new DAP Server. It takes an opened Listener via config
// and assumes its ownership. config.DisconnectChan has to be set; it will be
// closed by the server when the client disconnects or requests shutdown.
// Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logger.Debug("DAP server listening at: ", config.Listener.Addr().String())
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		log:      logger,
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It shuts down the underlying engine and kills the target
// process if it was launched by it. This method mustn't be called more than
// once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.session != nil {
		// Unless Stop() was called after the serve goroutine returned,
		// closing the connection will result in a closed connection error on
		// the next read, breaking out of the read loop and allowing the
		// session to tear down.
		s.session.Close()
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which signals
// that the client disconnected or there was a client connection failure.
// Since the server services only one client, this is used as a signal to
// the entire server via Stop(). The function safeguards against closing the
// channel more than once and can be called multiple times. It is not
// thread-safe and is only called from the run goroutine.
func (s *Server) signalDisconnect() {
	// We could have the following sequence of events:
	// -- run goroutine: calls onDisconnectRequest()
	// -- run goroutine: calls signalDisconnect()
	// -- main goroutine: calls Stop()
	// -- main goroutine: Stop() closes client connection
	// -- run goroutine: serveDAPCodec() gets "closed network connection"
	// -- run goroutine: serveDAPCodec() returns and calls signalDisconnect()
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The engine won't be started until a launch/attach request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s", err)
			}
			s.signalDisconnect()
			return
		}
		s.serveDAPCodec(conn)
	}()
}

// serveDAPCodec reads and decodes requests from the client until it
// encounters an error or EOF, when it sends the disconnect signal and
// returns.
func (s *Server) serveDAPCodec(conn net.Conn) {
	defer s.signalDisconnect()
	s.session = NewSession(conn, s.config)
	defer s.session.Close()
	for {
		request, err := dap.ReadProtocolMessage(s.session.reader)
		// Errors here are of two kinds: connection-level failures, which end
		// the session, and decoding errors for individual messages, which
		// get an error response and do not end the session.
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if verr, ok := err.(*dap.DecodeProtocolMessageFieldError); ok && !stopRequested {
				s.log.Error("DAP error: ", verr)
				s.session.sendInternalErrorResponse(verr.Seq, verr.Error())
				continue
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.session.handleRequest(request)
		if s.session.disconnected() {
			return
		}
	}
}
