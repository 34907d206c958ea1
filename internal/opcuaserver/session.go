package opcuaserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uapolicy"
)

const (
	maxSessions           = 50
	defaultSessionTimeout = time.Minute
	minSessionTimeout     = time.Second
	maxSessionTimeout     = 30 * time.Minute
	nonceLength           = 32

	sessionSweepInterval = time.Second
)

var (
	errPasswordAlgorithm = errors.New("password encryption algorithm does not match the token policy")
	errPasswordFormat    = errors.New("malformed encrypted password")
	errPasswordNonce     = errors.New("password was not encrypted with the current server nonce")
)

// session is an OPC-UA session. It serves requests only after
// ActivateSession has checked the user's credentials, and only on the
// secure channel that activated it.
type session struct {
	id        *ua.NodeID
	authToken *ua.NodeID
	name      string
	timeout   time.Duration
	srv       *Server

	mu         sync.Mutex
	nonce      []byte
	clientCert []byte
	channelID  uint32
	activated  bool
	user       string
	lastSeen   time.Time
	subs       map[uint32]*subscription
	publishQ   []*publishRequest
}

func (s *session) username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// sessionBroker tracks sessions by authentication token.
type sessionBroker struct {
	srv *Server

	mu        sync.Mutex
	sessions  map[string]*session
	nextSubID uint32
}

func newSessionBroker(srv *Server) *sessionBroker {
	return &sessionBroker{srv: srv, sessions: make(map[string]*session)}
}

func (b *sessionBroker) lookup(token *ua.NodeID) (*session, bool) {
	if token == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[token.String()]
	return sess, ok
}

func (b *sessionBroker) all() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, sess)
	}
	return out
}

func (b *sessionBroker) subscriptionID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	return b.nextSubID
}

// checkChannelSecurity refuses sessions on a channel whose policy and mode
// no endpoint offers, such as a None channel opened for discovery.
func (b *sessionBroker) checkChannelSecurity(ch *channel) error {
	switch {
	case b.srv.offers(ch.policy, ch.mode):
		return nil
	case b.srv.offersPolicy(ch.policy):
		return ua.StatusBadSecurityModeRejected
	default:
		return ua.StatusBadSecurityPolicyRejected
	}
}

func (b *sessionBroker) create(ch *channel, r *ua.CreateSessionRequest) (ua.Response, error) {
	if err := b.checkChannelSecurity(ch); err != nil {
		return nil, err
	}
	if ch.mode != ua.MessageSecurityModeNone && len(r.ClientNonce) < nonceLength {
		return nil, ua.StatusBadNonceInvalid
	}

	sig, sigAlg, err := ch.sc.NewSessionSignature(r.ClientCertificate, r.ClientNonce)
	if err != nil {
		b.srv.logger.Warn("opc-ua session refused", "reason", "client certificate", "error", err)
		return nil, ua.StatusBadCertificateInvalid
	}

	nonce, err := randomBytes(nonceLength)
	if err != nil {
		return nil, err
	}
	token, err := randomBytes(nonceLength)
	if err != nil {
		return nil, err
	}

	sess := &session{
		id:         ua.NewGUIDNodeID(1, uuid.NewString()),
		authToken:  ua.NewByteStringNodeID(0, token),
		name:       r.SessionName,
		timeout:    revisedSessionTimeout(r.RequestedSessionTimeout),
		srv:        b.srv,
		nonce:      nonce,
		clientCert: r.ClientCertificate,
		channelID:  ch.id,
		lastSeen:   time.Now(),
		subs:       make(map[uint32]*subscription),
	}

	b.mu.Lock()
	if len(b.sessions) >= maxSessions {
		b.mu.Unlock()
		return nil, ua.StatusBadTooManySessions
	}
	b.sessions[sess.authToken.String()] = sess
	b.mu.Unlock()

	b.srv.logger.Debug("opc-ua session created", "session", sess.id.String(), "name", sess.name)

	return &ua.CreateSessionResponse{
		ResponseHeader:             responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		SessionID:                  sess.id,
		AuthenticationToken:        sess.authToken,
		RevisedSessionTimeout:      float64(sess.timeout / time.Millisecond),
		ServerNonce:                nonce,
		ServerCertificate:          b.srv.cert,
		ServerEndpoints:            b.srv.advertisedEndpoints(r.EndpointURL),
		ServerSoftwareCertificates: []*ua.SignedSoftwareCertificate{},
		ServerSignature:            &ua.SignatureData{Algorithm: sigAlg, Signature: sig},
	}, nil
}

// activate binds the session to the calling channel once the client
// proved it owns the session's certificate and sent the configured
// username and password.
func (b *sessionBroker) activate(ch *channel, r *ua.ActivateSessionRequest) (ua.Response, error) {
	sess, ok := b.lookup(r.RequestHeader.AuthenticationToken)
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}
	if err := b.checkChannelSecurity(ch); err != nil {
		return nil, err
	}

	sess.mu.Lock()
	serverNonce, clientCert := sess.nonce, sess.clientCert
	sess.mu.Unlock()

	if ch.mode != ua.MessageSecurityModeNone {
		if r.ClientSignature == nil {
			return nil, ua.StatusBadApplicationSignatureInvalid
		}
		if err := ch.sc.VerifySessionSignature(clientCert, serverNonce, r.ClientSignature.Signature); err != nil {
			b.srv.logger.Warn("opc-ua session refused", "reason", "client signature", "error", err)
			return nil, ua.StatusBadApplicationSignatureInvalid
		}
	}

	user, err := b.authenticate(ch, r.UserIdentityToken, serverNonce)
	if err != nil {
		return nil, err
	}

	nonce, err := randomBytes(nonceLength)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.nonce = nonce
	sess.activated = true
	sess.user = user
	sess.channelID = ch.id
	sess.lastSeen = time.Now()
	sess.mu.Unlock()

	b.srv.logger.Info("opc-ua session activated", "session", sess.id.String(), "name", sess.name, "user", user)

	return &ua.ActivateSessionResponse{
		ResponseHeader:  responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
		ServerNonce:     nonce,
		Results:         make([]ua.StatusCode, len(r.ClientSoftwareCertificates)),
		DiagnosticInfos: []*ua.DiagnosticInfo{},
	}, nil
}

// authenticate checks the identity token against Credentials. Only
// username tokens are accepted.
func (b *sessionBroker) authenticate(ch *channel, tok *ua.ExtensionObject, serverNonce []byte) (string, error) {
	if tok == nil || tok.Value == nil {
		return "", ua.StatusBadIdentityTokenInvalid
	}

	switch t := tok.Value.(type) {
	case *ua.UserNameIdentityToken:
		policy, ok := b.srv.userTokenPolicy(t.PolicyID)
		if !ok {
			return "", ua.StatusBadIdentityTokenInvalid
		}
		policyURI := policy.SecurityPolicyURI
		if policyURI == "" {
			policyURI = ch.policy
		}

		password, err := decryptPassword(policyURI, t.EncryptionAlgorithm, b.srv.key, t.Password, serverNonce)
		if err != nil {
			b.srv.logger.Warn("opc-ua login rejected", "user", t.UserName, "error", err)
			return "", ua.StatusBadIdentityTokenInvalid
		}
		if !b.srv.creds.Check(t.UserName, password) {
			b.srv.logger.Warn("opc-ua login rejected", "user", t.UserName, "reason", "bad credentials")
			return "", ua.StatusBadUserAccessDenied
		}
		return t.UserName, nil

	case *ua.AnonymousIdentityToken:
		b.srv.logger.Warn("opc-ua login rejected", "reason", "anonymous")
		return "", ua.StatusBadIdentityTokenRejected

	default:
		return "", ua.StatusBadIdentityTokenInvalid
	}
}

func (b *sessionBroker) close(ch *channel, r *ua.CloseSessionRequest) (ua.Response, error) {
	sess, ok := b.lookup(r.RequestHeader.AuthenticationToken)
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}
	sess.mu.Lock()
	sameChannel := sess.channelID == ch.id
	sess.mu.Unlock()
	if !sameChannel {
		return nil, ua.StatusBadSecureChannelIDInvalid
	}

	b.remove(sess)
	b.srv.logger.Info("opc-ua session closed", "session", sess.id.String(), "user", sess.username())

	return &ua.CloseSessionResponse{
		ResponseHeader: responseHeader(r.RequestHeader.RequestHandle, ua.StatusOK),
	}, nil
}

// authorize returns the activated session named by hdr, which must belong
// to ch.
func (b *sessionBroker) authorize(ch *channel, hdr *ua.RequestHeader) (*session, error) {
	sess, ok := b.lookup(hdr.AuthenticationToken)
	if !ok {
		return nil, ua.StatusBadSessionIDInvalid
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.activated {
		return nil, ua.StatusBadSessionNotActivated
	}
	if sess.channelID != ch.id {
		return nil, ua.StatusBadSecureChannelIDInvalid
	}
	sess.lastSeen = time.Now()
	return sess, nil
}

func (b *sessionBroker) remove(sess *session) {
	b.mu.Lock()
	delete(b.sessions, sess.authToken.String())
	b.mu.Unlock()

	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[uint32]*subscription)
	sess.publishQ = nil
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// channelClosed drops publish requests that can no longer be answered.
// The sessions survive and may be activated again on a new channel.
func (b *sessionBroker) channelClosed(chID uint32) {
	for _, sess := range b.all() {
		sess.mu.Lock()
		kept := sess.publishQ[:0]
		for _, pr := range sess.publishQ {
			if pr.ch.id != chID {
				kept = append(kept, pr)
			}
		}
		sess.publishQ = kept
		sess.mu.Unlock()
	}
}

func (b *sessionBroker) closeAll() {
	for _, sess := range b.all() {
		b.remove(sess)
	}
}

// expireLoop removes sessions that sent no request within their timeout.
func (b *sessionBroker) expireLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	t := time.NewTicker(sessionSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, sess := range b.all() {
				sess.mu.Lock()
				expired := now.Sub(sess.lastSeen) > sess.timeout
				sess.mu.Unlock()
				if expired {
					b.remove(sess)
					b.srv.logger.Info("opc-ua session expired", "session", sess.id.String(), "user", sess.username())
				}
			}
		}
	}
}

func revisedSessionTimeout(requestedMS float64) time.Duration {
	if requestedMS <= 0 {
		return defaultSessionTimeout
	}
	d := time.Duration(requestedMS * float64(time.Millisecond))
	return min(max(d, minSessionTimeout), maxSessionTimeout)
}

// decryptPassword recovers the password of a username token. Under a
// secure policy the secret is the asymmetric encryption of a
// little-endian length, the password and the server nonce.
func decryptPassword(policyURI, algorithm string, key *rsa.PrivateKey, secret, serverNonce []byte) (string, error) {
	if policyURI == ua.SecurityPolicyURINone {
		if algorithm != "" {
			return "", errPasswordAlgorithm
		}
		return string(secret), nil
	}

	enc, err := uapolicy.Asymmetric(policyURI, key, nil)
	if err != nil {
		return "", fmt.Errorf("token policy: %w", err)
	}
	if algorithm != enc.EncryptionURI() {
		return "", errPasswordAlgorithm
	}

	plain, err := enc.Decrypt(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errPasswordFormat, err)
	}
	if len(plain) < 4 {
		return "", errPasswordFormat
	}
	n := int(binary.LittleEndian.Uint32(plain[:4]))
	body := plain[4:]
	if n > len(body) || n < len(serverNonce) {
		return "", errPasswordFormat
	}
	body = body[:n]

	pass, nonce := body[:n-len(serverNonce)], body[n-len(serverNonce):]
	if subtle.ConstantTimeCompare(nonce, serverNonce) != 1 {
		return "", errPasswordNonce
	}
	return string(pass), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b, nil
}
