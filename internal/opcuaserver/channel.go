package opcuaserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uacp"
	"github.com/gopcua/opcua/uasc"
)

const (
	// openTimeout bounds the wait for OpenSecureChannel after the handshake.
	openTimeout = 10 * time.Second

	channelLifetime = time.Hour
)

// channel is one client connection and the secure channel running on it.
type channel struct {
	id     uint32
	sc     *uasc.SecureChannel
	conn   *uacp.Conn
	policy string
	mode   ua.MessageSecurityMode

	closeOnce sync.Once
}

// close drops the connection, which unblocks the receive loop. The secure
// channel is not closed itself: on the server side that would send a
// CloseSecureChannel request to the client.
func (c *channel) close() {
	c.closeOnce.Do(func() { c.conn.Close() }) //nolint:errcheck // connection is being dropped
}

func (c *channel) send(ctx context.Context, reqID uint32, resp ua.Response) error {
	return c.sc.SendResponseWithContext(ctx, reqID, resp)
}

func (s *Server) acceptLoop(ctx context.Context, l *uacp.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// A failed Hello handshake only affects that connection.
			s.logger.Debug("opc-ua connection rejected", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn opens a secure channel on conn and serves its requests until
// the client disconnects or the server stops.
func (s *Server) serveConn(ctx context.Context, conn *uacp.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.logger.With("remote", remote)

	policyURI, mode, err := s.channelSecurity(conn)
	if err != nil {
		log.Warn("opc-ua secure channel refused", "error", err)
		if code, ok := err.(ua.StatusCode); ok {
			conn.SendError(code)
		}
		conn.Close() //nolint:errcheck // connection is being dropped
		return
	}

	cfg := &uasc.Config{
		SecurityPolicyURI: policyURI,
		SecurityMode:      mode,
		Lifetime:          uint32(channelLifetime / time.Millisecond),
	}
	if policyURI != ua.SecurityPolicyURINone {
		cfg.Certificate = s.cert
		cfg.LocalKey = s.key
	}

	ch, err := s.registerChannel(conn, cfg)
	if err != nil {
		log.Error("opc-ua secure channel setup failed", "error", err)
		conn.Close() //nolint:errcheck // connection is being dropped
		return
	}
	defer s.unregisterChannel(ch)

	log = log.With("channel", ch.id)
	log.Debug("opc-ua secure channel opened", "policy", policyURI)

	for {
		msg := ch.sc.Receive(ctx)
		if msg.Err != nil {
			switch {
			case msg.Err == io.EOF, ctx.Err() != nil, errors.Is(msg.Err, net.ErrClosed):
				log.Debug("opc-ua secure channel closed")
			default:
				log.Warn("opc-ua secure channel failed", "error", msg.Err)
			}
			return
		}

		req := msg.Request()
		if req == nil {
			// OpenSecureChannel, answered inside the channel. The client's
			// requested mode is now in effect.
			ch.mode = cfg.SecurityMode
			continue
		}

		resp := s.dispatch(ctx, ch, msg.RequestID, req)
		if resp == nil {
			continue
		}
		if err := ch.send(ctx, msg.RequestID, resp); err != nil {
			log.Warn("opc-ua response failed", "error", err, "request", fmt.Sprintf("%T", req))
			return
		}
	}
}

// channelSecurity reads the security policy of the client's
// OpenSecureChannel request and picks the channel configuration for it.
//
// The channel decrypts the asymmetric OPN only when its mode is already
// secure, so the mode has to be set before the first message is read.
// The client's requested mode replaces it once the OPN is processed.
func (s *Server) channelSecurity(conn *uacp.Conn) (string, ua.MessageSecurityMode, error) {
	policyURI, err := peekSecurityPolicy(conn.TCPConn, openTimeout)
	if errors.Is(err, errPeekUnsupported) {
		p := s.policies[0]
		return p.URI, p.Mode, nil
	}
	if err != nil {
		return "", ua.MessageSecurityModeInvalid, err
	}

	switch {
	case policyURI == ua.SecurityPolicyURINone:
		// Discovery (GetEndpoints, FindServers) is always possible on an
		// unsecured channel. Sessions on it are refused unless an endpoint
		// offers None.
		return policyURI, ua.MessageSecurityModeNone, nil
	case !s.offersPolicy(policyURI):
		return "", ua.MessageSecurityModeInvalid, ua.StatusBadSecurityPolicyRejected
	default:
		return policyURI, ua.MessageSecurityModeSignAndEncrypt, nil
	}
}

func (s *Server) registerChannel(conn *uacp.Conn, cfg *uasc.Config) (*channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, ErrNotStarted
	}

	s.nextID++
	chID := s.nextID
	seq := uint32(rand.N(1023) + 1)

	// The error channel is required but the server side never writes it.
	errCh := make(chan error, 1)
	sc, err := uasc.NewServerSecureChannel(s.endpoint.URL(), conn, cfg, errCh, chID, seq, chID)
	if err != nil {
		return nil, err
	}

	ch := &channel{id: chID, sc: sc, conn: conn, policy: cfg.SecurityPolicyURI, mode: cfg.SecurityMode}
	s.channels[chID] = ch
	return ch, nil
}

func (s *Server) unregisterChannel(ch *channel) {
	ch.close()

	s.mu.Lock()
	delete(s.channels, ch.id)
	s.mu.Unlock()

	s.sessions.channelClosed(ch.id)
}

// dispatch runs one service request. A nil response means the request is
// answered later (Publish).
func (s *Server) dispatch(ctx context.Context, ch *channel, reqID uint32, req ua.Request) (resp ua.Response) {
	hdr := req.Header()
	if hdr == nil {
		return serviceFault(0, ua.StatusBadDecodingError)
	}
	handle := hdr.RequestHandle

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("opc-ua service panicked", "request", fmt.Sprintf("%T", req), "panic", r)
			resp = serviceFault(handle, ua.StatusBadInternalError)
		}
	}()

	resp, err := s.handle(ctx, ch, reqID, req)
	if err != nil {
		code, ok := err.(ua.StatusCode)
		if !ok {
			s.logger.Error("opc-ua service failed", "request", fmt.Sprintf("%T", req), "error", err)
			code = ua.StatusBadInternalError
		}
		return serviceFault(handle, code)
	}
	return resp
}

func (s *Server) handle(_ context.Context, ch *channel, reqID uint32, req ua.Request) (ua.Response, error) {
	switch r := req.(type) {
	case *ua.GetEndpointsRequest:
		return s.getEndpoints(r)
	case *ua.FindServersRequest:
		return s.findServers(r)
	case *ua.CreateSessionRequest:
		return s.sessions.create(ch, r)
	case *ua.ActivateSessionRequest:
		return s.sessions.activate(ch, r)
	case *ua.CloseSessionRequest:
		return s.sessions.close(ch, r)
	}

	sess, err := s.sessions.authorize(ch, req.Header())
	if err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case *ua.ReadRequest:
		return s.read(r)
	case *ua.WriteRequest:
		return s.write(sess, r)
	case *ua.BrowseRequest:
		return s.browse(r)
	case *ua.BrowseNextRequest:
		return s.browseNext(r)
	case *ua.TranslateBrowsePathsToNodeIDsRequest:
		return s.translateBrowsePaths(r)
	case *ua.CreateSubscriptionRequest:
		return sess.createSubscription(r)
	case *ua.ModifySubscriptionRequest:
		return sess.modifySubscription(r)
	case *ua.SetPublishingModeRequest:
		return sess.setPublishingMode(r)
	case *ua.DeleteSubscriptionsRequest:
		return sess.deleteSubscriptions(r)
	case *ua.CreateMonitoredItemsRequest:
		return sess.createMonitoredItems(r)
	case *ua.ModifyMonitoredItemsRequest:
		return sess.modifyMonitoredItems(r)
	case *ua.DeleteMonitoredItemsRequest:
		return sess.deleteMonitoredItems(r)
	case *ua.SetMonitoringModeRequest:
		return sess.setMonitoringMode(r)
	case *ua.PublishRequest:
		return sess.publish(ch, reqID, r)
	case *ua.RepublishRequest:
		return nil, ua.StatusBadMessageNotAvailable
	default:
		s.logger.Debug("opc-ua service not supported", "request", fmt.Sprintf("%T", req))
		return nil, ua.StatusBadServiceUnsupported
	}
}

func responseHeader(handle uint32, status ua.StatusCode) *ua.ResponseHeader {
	return &ua.ResponseHeader{
		Timestamp:          time.Now(),
		RequestHandle:      handle,
		ServiceResult:      status,
		ServiceDiagnostics: &ua.DiagnosticInfo{},
		StringTable:        []string{},
		AdditionalHeader:   ua.NewExtensionObject(nil),
	}
}

func serviceFault(handle uint32, status ua.StatusCode) *ua.ServiceFault {
	return &ua.ServiceFault{ResponseHeader: responseHeader(handle, status)}
}
