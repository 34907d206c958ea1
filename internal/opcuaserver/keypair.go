package opcuaserver

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// loadKeyPair reads the server certificate and RSA private key.
//
// The certificate may be PEM or raw DER; the library wants DER bytes.
// The key may be PKCS#1 or PKCS#8 PEM.
func loadKeyPair(certFile, keyFile string) ([]byte, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCertificate, err)
	}
	certDER := certPEM
	if block, _ := pem.Decode(certPEM); block != nil {
		certDER = block.Bytes
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrCertificate, certFile, err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPrivateKey, err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("%w: %s: no PEM block", ErrPrivateKey, keyFile)
	}
	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrPrivateKey, keyFile, err)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, nil, fmt.Errorf("%w: certificate does not match private key", ErrPrivateKey)
	}

	return certDER, key, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want RSA", parsed)
	}
	return key, nil
}
