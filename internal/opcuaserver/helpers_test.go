package opcuaserver

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

// writeKeyPair generates a self-signed RSA certificate in dir and returns
// the cert.pem and key.pem paths. pkcs8 selects the key encoding.
func writeKeyPair(t *testing.T, dir string, pkcs8 bool) (certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "opcua-simulator-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		URIs:                  []*url.URL{{Scheme: "urn", Opaque: "opcua-simulator:test"}},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	var keyBlock *pem.Block
	if pkcs8 {
		b, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshalling key: %v", err)
		}
		keyBlock = &pem.Block{Type: "PRIVATE KEY", Bytes: b}
	} else {
		keyBlock = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatalf("writing cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return certFile, keyFile
}

// testServerConfig returns the default server config pointed at a fresh key pair.
func testServerConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	cfg := config.Default().Server
	cfg.CertificateFile, cfg.PrivateKeyFile = writeKeyPair(t, t.TempDir(), false)
	return cfg
}

// loopbackEndpoint returns an endpoint URL on a free loopback port, or
// skips the test when nothing can bind there.
func loopbackEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind loopback: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close() //nolint:errcheck // only the port number is needed
	return fmt.Sprintf("opc.tcp://127.0.0.1:%d/freeopcua/server/", port)
}
