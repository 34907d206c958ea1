package opcuaserver

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uacp"
	"github.com/gopcua/opcua/uapolicy"

	"github.com/nerrad567/opcua-device-simulator/internal/device"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/logging"
)

const (
	defaultApplicationURI = "urn:opcua-device-simulator"
	productURI            = "https://github.com/nerrad567/opcua-device-simulator"
	transportProfileURI   = "http://opcfoundation.org/UA-Profile/Transport/uatcp-uasc-uabinary"

	// shutdownTimeout bounds how long Close waits for connection goroutines.
	shutdownTimeout = 10 * time.Second
)

// Server owns the OPC-UA listener, its sessions and the device address
// space. The address space is a gopcua node tree; the secure channel and
// service handling run here so that sessions are authenticated against
// Credentials before any service is served.
type Server struct {
	space     *server.Server
	store     *NodeStore
	endpoint  endpoint
	policies  []securityPolicy
	endpoints []*ua.EndpointDescription
	cert      []byte
	key       *rsa.PrivateKey
	cfg       config.ServerConfig
	creds     Credentials
	logger    *logging.Logger
	sessions  *sessionBroker

	mu        sync.Mutex
	started   bool
	closed    bool
	startedAt time.Time
	listener  *uacp.Listener
	channels  map[uint32]*channel
	nextID    uint32
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds the server from cfg: it loads the key pair, parses the
// configured security policies and registers the device object seeded
// with d. Nothing listens until Start.
func New(cfg config.ServerConfig, d device.Defaults, logger *logging.Logger) (*Server, error) {
	ep, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	policies, err := parseSecurityPolicies(cfg.SecurityPolicies)
	if err != nil {
		return nil, err
	}
	cert, key, err := loadKeyPair(cfg.CertificateFile, cfg.PrivateKeyFile)
	if err != nil {
		return nil, err
	}

	log := logger.Component("opcua")

	space := server.New(
		server.ServerName(cfg.Name),
		server.ProductName(cfg.Name),
		server.ManufacturerName("opcua-device-simulator"),
		server.SetLogger(libraryLogger{l: log.Logger}),
	)

	store, err := buildAddressSpace(space, cfg.NamespaceURI, cfg.ObjectName, d)
	if err != nil {
		return nil, err
	}

	s := &Server{
		space:    space,
		store:    store,
		endpoint: ep,
		policies: policies,
		cert:     cert,
		key:      key,
		cfg:      cfg,
		creds:    Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password},
		logger:   log,
		channels: make(map[uint32]*channel),
	}
	s.sessions = newSessionBroker(s)
	s.endpoints = s.endpointDescriptions()

	if err := s.addStatusNodes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins listening. A bind failure (for example the port is taken)
// is returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotStarted
	}
	if s.started {
		return nil
	}

	l, err := uacp.Listen(ctx, s.endpoint.URL(), nil)
	if err != nil {
		return fmt.Errorf("starting opc-ua server on %s: %w", s.endpoint.Address(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.listener = l
	s.cancel = cancel
	s.started = true
	s.startedAt = time.Now()
	s.store.setOnChange(s.dataChanged)

	s.wg.Add(2)
	go s.acceptLoop(runCtx, l)
	go s.sessions.expireLoop(runCtx, &s.wg)

	attrs := []any{
		"endpoint", s.cfg.Endpoint,
		"listen", l.Addr().String(),
		"namespace", s.cfg.NamespaceURI,
		"object", s.cfg.ObjectName,
	}
	for _, p := range s.cfg.SecurityPolicies {
		attrs = append(attrs, slog.String("security_"+p.Mode, p.Policy))
	}
	s.logger.Info("opc-ua server started", attrs...)
	return nil
}

// Close stops accepting connections, drops every secure channel and
// session, and waits for their goroutines. It is safe to call more than
// once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false

	s.store.setOnChange(nil)
	s.cancel()
	err := s.listener.Close()
	for _, ch := range s.channels {
		ch.close()
	}
	s.mu.Unlock()

	s.sessions.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("timed out waiting for opc-ua connections to close")
	}

	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("closing opc-ua server: %w", err)
	}
	s.logger.Info("opc-ua server stopped")
	return nil
}

// HealthCheck reports whether the server is running and its address
// space still answers reads.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.running() {
		return ErrNotStarted
	}

	if _, err := s.store.Get(device.AttrDeviceName); err != nil {
		return fmt.Errorf("opc-ua address space: %w", err)
	}
	return nil
}

// Store returns the node-backed attribute store.
func (s *Server) Store() *NodeStore {
	return s.store
}

// Credentials returns the accepted username/password pair.
func (s *Server) Credentials() Credentials {
	return s.creds
}

// Endpoint returns the configured endpoint URL.
func (s *Server) Endpoint() string {
	return s.cfg.Endpoint
}

// Addr returns the address the server listens on, or "" before Start.
// It differs from the configured endpoint when the port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || !s.started {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// status is the ServerStatus structure clients read from ns=0;i=2256.
func (s *Server) status() *ua.ServerStatusDataType {
	s.mu.Lock()
	startedAt, started, closed := s.startedAt, s.started, s.closed
	s.mu.Unlock()

	state := ua.ServerStateSuspended
	switch {
	case closed:
		state = ua.ServerStateShutdown
	case started:
		state = ua.ServerStateRunning
	}
	return &ua.ServerStatusDataType{
		StartTime:   startedAt,
		CurrentTime: time.Now(),
		State:       state,
		BuildInfo: &ua.BuildInfo{
			ProductURI:       productURI,
			ManufacturerName: "opcua-device-simulator",
			ProductName:      s.cfg.Name,
			SoftwareVersion:  "1.0.0",
		},
		ShutdownReason: &ua.LocalizedText{},
	}
}

// addStatusNodes replaces the library's ServerStatus variables, which
// always report Suspended, with ones that follow Start and Close.
func (s *Server) addStatusNodes() error {
	root, err := s.space.Namespace(0)
	if err != nil {
		return fmt.Errorf("getting root namespace: %w", err)
	}

	variable := func(nodeID uint32, name string, value server.ValueFunc) *server.Node {
		return server.NewNode(
			ua.NewNumericNodeID(0, nodeID),
			map[ua.AttributeID]*ua.DataValue{
				ua.AttributeIDNodeClass:   dataValue(uint32(ua.NodeClassVariable)),
				ua.AttributeIDBrowseName:  dataValue(&ua.QualifiedName{Name: name}),
				ua.AttributeIDDisplayName: dataValue(localizedText(name)),
			},
			nil,
			value,
		)
	}

	root.AddNode(variable(id.Server_ServerStatus, "ServerStatus", func() *ua.DataValue {
		return dataValue(ua.NewExtensionObject(s.status()))
	}))
	root.AddNode(variable(id.Server_ServerStatus_State, "State", func() *ua.DataValue {
		return dataValue(int32(s.status().State))
	}))
	root.AddNode(variable(id.Server_ServerStatus_StartTime, "StartTime", func() *ua.DataValue {
		return dataValue(s.status().StartTime)
	}))
	return nil
}

// endpointDescriptions lists one endpoint per configured policy and mode,
// each offering username authentication under the same policy.
func (s *Server) endpointDescriptions() []*ua.EndpointDescription {
	app := &ua.ApplicationDescription{
		ApplicationURI:  applicationURI(s.cert),
		ProductURI:      productURI,
		ApplicationName: localizedText(s.cfg.Name),
		ApplicationType: ua.ApplicationTypeServer,
		DiscoveryURLs:   []string{s.endpoint.URL()},
	}

	out := make([]*ua.EndpointDescription, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, &ua.EndpointDescription{
			EndpointURL:       s.endpoint.URL(),
			Server:            app,
			ServerCertificate: s.cert,
			SecurityMode:      p.Mode,
			SecurityPolicyURI: p.URI,
			UserIdentityTokens: []*ua.UserTokenPolicy{{
				PolicyID:          userTokenPolicyID(p.Policy),
				TokenType:         ua.UserTokenTypeUserName,
				SecurityPolicyURI: p.URI,
			}},
			TransportProfileURI: transportProfileURI,
			SecurityLevel:       uapolicy.SecurityLevel(p.URI, p.Mode),
		})
	}
	return out
}

// offers reports whether an endpoint uses policyURI with mode.
func (s *Server) offers(policyURI string, mode ua.MessageSecurityMode) bool {
	for _, p := range s.policies {
		if p.URI == policyURI && p.Mode == mode {
			return true
		}
	}
	return false
}

// offersPolicy reports whether any endpoint uses policyURI.
func (s *Server) offersPolicy(policyURI string) bool {
	for _, p := range s.policies {
		if p.URI == policyURI {
			return true
		}
	}
	return false
}

// userTokenPolicy finds the username token policy advertised under
// policyID.
func (s *Server) userTokenPolicy(policyID string) (*ua.UserTokenPolicy, bool) {
	for _, ep := range s.endpoints {
		for _, t := range ep.UserIdentityTokens {
			if t.PolicyID == policyID {
				return t, true
			}
		}
	}
	return nil, false
}

func userTokenPolicyID(policy string) string {
	return "username_" + strings.ToLower(policy)
}

// applicationURI is the certificate's URI SAN, which clients match against
// the ApplicationURI they are given.
func applicationURI(certDER []byte) string {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil || len(cert.URIs) == 0 {
		return defaultApplicationURI
	}
	return cert.URIs[0].String()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
