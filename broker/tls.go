package broker

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
)

// tlsServerName is the name every member certificate is issued for. Members are
// dialed by IP, so verification is pinned to this name instead of the address.
const tlsServerName = "shardview"

// tlsSalt domain separates the key derivation from other uses of the secret.
var tlsSalt = []byte("shardview broker tls v1")

// makeTLSCert deterministically derives a self signed certificate and private
// key from the shared cluster secret. Every member holding the same secret ends
// up with the same key pair, which doubles as the root of trust.
func makeTLSCert(secret string) ([]byte, []byte) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), tlsSalt, nil), seed); err != nil {
		panic(err) // hkdf can produce way more than a seed, cannot fail
	}
	key := ed25519.NewKeyFromSeed(seed)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: tlsServerName},
		DNSNames:              []string{tlsServerName},
		NotBefore:             time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2120, time.January, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		panic(err) // static template and fresh key, cannot fail
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		panic(err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	return cert, priv
}

// makeTLSConfig creates a client side TLS config that both authenticates with
// the derived certificate and only trusts peers presenting the same one.
func makeTLSConfig(cert []byte, key []byte) *tls.Config {
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		panic(err) // generated by makeTLSCert, cannot fail
	}
	roots := x509.NewCertPool()
	roots.AppendCertsFromPEM(cert)

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      roots,
		ServerName:   tlsServerName,
		MinVersion:   tls.VersionTLS12,
	}
}
