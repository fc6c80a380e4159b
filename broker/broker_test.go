package broker

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Tests that the broker can be started and torn down.
func TestBrokerLifecycle(t *testing.T) {
	broker, err := New(&Config{
		Name:     "test-broker",
		Datadir:  t.TempDir(),
		Secret:   "secret test seed",
		Listener: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
	})
	if err != nil {
		t.Fatalf("Failed to start message broker: %v", err)
	}
	if port := broker.Port(); port == 0 {
		t.Errorf("Broker port not assigned")
	}
	if err := broker.Close(); err != nil {
		t.Fatalf("Failed to stop message broker: %v", err)
	}
}

// Tests that invalid member names are rejected before anything is started.
func TestBrokerInvalidName(t *testing.T) {
	if _, err := New(&Config{Name: "bad name!", Datadir: t.TempDir()}); err == nil {
		t.Fatalf("Invalid broker name accepted")
	}
}

// Tests that subscribing to a local topic delivers messages published into the
// local daemon.
func TestBrokerSubscribe(t *testing.T) {
	broker, err := New(&Config{
		Name:    "test-broker",
		Datadir: t.TempDir(),
		Secret:  "secret test seed",
		Logger:  log.New("host", "broker"),
	})
	if err != nil {
		t.Fatalf("Failed to start message broker: %v", err)
	}
	defer broker.Close()

	mailbox := make(chan string, 1)
	consumer, err := broker.Subscribe("local-topic", func(blob []byte) error {
		mailbox <- string(blob)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to subscribe to local topic: %v", err)
	}
	defer consumer.Stop()

	producer, err := broker.NewProducer(broker.Addr())
	if err != nil {
		t.Fatalf("Failed to create local producer: %v", err)
	}
	defer producer.Stop()

	if err := producer.Publish("local-topic", []byte("hello")); err != nil {
		t.Fatalf("Failed to publish local message: %v", err)
	}
	select {
	case msg := <-mailbox:
		if msg != "hello" {
			t.Errorf("Consumed message mismatch: have %s, want %s", msg, "hello")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for local message")
	}
}

// Tests that the same secret derives the same certificate and that the derived
// material forms a usable TLS configuration.
func TestTLSDerivation(t *testing.T) {
	certA, keyA := makeTLSCert("secret")
	certB, keyB := makeTLSCert("secret")
	if string(keyA) != string(keyB) {
		t.Errorf("Key derivation not deterministic")
	}
	if _, err := tls.X509KeyPair(certB, keyA); err != nil {
		t.Errorf("Derived pairs incompatible: %v", err)
	}
	_, keyC := makeTLSCert("other secret")
	if string(keyA) == string(keyC) {
		t.Errorf("Different secrets derived the same key")
	}
	config := makeTLSConfig(certA, keyA)
	if len(config.Certificates) != 1 || config.ServerName != tlsServerName {
		t.Errorf("Unexpected TLS config: %+v", config)
	}
}
