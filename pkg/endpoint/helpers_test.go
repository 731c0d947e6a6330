package endpoint

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/stretchr/testify/require"
)

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestEndpoint(t *testing.T, name string, opts ...Option) (*Endpoint, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	opts = append([]Option{
		WithName(name),
		WithListenOn("127.0.0.1", 0),
		WithLog(testHandler(name)),
		WithMetricSink(sink),
	}, opts...)

	ep, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep, sink
}

func mustNamespace(t *testing.T, ep *Endpoint, tag string) *Namespace {
	t.Helper()
	ns, err := ep.CreateNamespace(tag)
	require.NoError(t, err)
	return ns
}

// keyCheck accepts a single expected key and reports the protocol it
// was presented on.
type keyCheck struct {
	want  frame.Key
	proto chan Protocol
}

func newKeyCheck(want frame.Key) *keyCheck {
	return &keyCheck{want: want, proto: make(chan Protocol, 1)}
}

func (k *keyCheck) VerifyKey(key frame.Key, p Protocol) error {
	if key != k.want {
		return errdefs.ErrInvalidKey
	}
	k.proto <- p
	return nil
}

func random16(t *testing.T) (b [16]byte) {
	t.Helper()
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	return b
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, cn string, isCA bool) ([]byte, *x509.Certificate) {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
		parent = tmpl
		parentKey = key
	} else {
		tmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to generate certificate: %s", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("failed to parse certificate: %s", err)
	}
	return certDER, cert
}

// testTlsConfigs returns mTLS configurations for two nodes sharing a CA.
func testTlsConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	_, ca := generateCert(t, nil, nil, caKey, "self-signed", true)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	nodeConfig := func(cn string) *tls.Config {
		key := generateKeyPair(t)
		der, leaf := generateCert(t, ca, caKey, key, cn, false)
		return &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return nodeConfig("node1"), nodeConfig("node2")
}
