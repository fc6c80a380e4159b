// Package broker is a simplification wrapper around the NSQ message broker that
// carries all inter-member traffic of a shardview cluster.
package broker

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nsqio/go-nsq"
	"github.com/nsqio/nsq/nsqd"
)

// Config is the set of options to fine tune the message broker.
type Config struct {
	Name     string       // Globally unique member name, used as the consumer channel
	Datadir  string       // Data directory to store NSQ related data
	Secret   string       // Shared secret to authenticate into the member mesh
	Listener *net.TCPAddr // Listener address for NSQ connections

	Logger log.Logger // Logger to allow differentiating brokers if many is embedded
}

// Broker is a locally running message broker through which a member receives
// entity requests, replies and topology actions from every other member.
//
// Messages are addressed by publishing into the recipient's broker; every member
// only ever consumes from its own daemon, except for the topology exchange of the
// cluster package which listens on all of them.
type Broker struct {
	name string // Globally unique name for the broker, used by consumer channels

	tlsCert []byte // Certificate to use for authenticating to other brokers
	tlsKey  []byte // Private key to use for encrypting traffic with other brokers

	daemon *nsqd.NSQD // Message broker embedded in this process
	logger log.Logger // Logger to allow differentiating brokers if many is embedded
}

// New constructs an NSQ broker to communicate with other members through.
func New(config *Config) (*Broker, error) {
	if !nsq.IsValidChannelName(config.Name) {
		return nil, fmt.Errorf("invalid member name '%s', must be alphanumeric", config.Name)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	logger.Info("Starting message broker", "name", config.Name, "datadir", config.Datadir, "bind", config.Listener)

	opts := nsqd.NewOptions()
	opts.DataPath = config.Datadir

	if config.Listener != nil {
		opts.TCPAddress = config.Listener.String()
	} else {
		opts.TCPAddress = "0.0.0.0:0"
	}
	opts.HTTPAddress = ""  // Disable the HTTP interface
	opts.HTTPSAddress = "" // Disable the HTTPS interface

	opts.LogLevel = nsqd.LOG_DEBUG
	opts.Logger = &nsqdLogger{logger}

	// nsqd only accepts key material from disk, so park the derived pair in the
	// datadir just long enough for the daemon to load it.
	cert, key := makeTLSCert(config.Secret)
	if err := os.MkdirAll(config.Datadir, 0700); err != nil {
		return nil, err
	}
	certPath := filepath.Join(config.Datadir, "secret.cert")
	keyPath := filepath.Join(config.Datadir, "secret.key")

	if err := os.WriteFile(certPath, cert, 0600); err != nil {
		return nil, err
	}
	defer os.Remove(certPath)

	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, err
	}
	defer os.Remove(keyPath)

	opts.TLSRootCAFile = certPath
	opts.TLSCert = certPath
	opts.TLSKey = keyPath

	opts.TLSRequired = nsqd.TLSRequired
	opts.TLSClientAuthPolicy = "require-verify"
	opts.TLSMinVersion = tls.VersionTLS12

	daemon, err := nsqd.New(opts)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := daemon.Main(); err != nil {
			logger.Error("Message broker terminated", "err", err)
		}
	}()

	return &Broker{
		name:    config.Name,
		tlsCert: cert,
		tlsKey:  key,
		daemon:  daemon,
		logger:  logger,
	}, nil
}

// Close terminates the NSQ daemon.
func (b *Broker) Close() error {
	b.daemon.Exit()
	return nil
}

// Name returns the globally unique (user assigned) name of the member.
func (b *Broker) Name() string {
	return b.name
}

// Port returns the local port number the broker is listening on.
func (b *Broker) Port() int {
	return b.daemon.RealTCPAddr().Port
}

// Addr returns a dialable address of the local daemon.
func (b *Broker) Addr() string {
	addr := b.daemon.RealTCPAddr()
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
	}
	return addr.String()
}

// NewProducer creates a new producer connected to the specified remote (or local)
// NSQD daemon instance.
func (b *Broker) NewProducer(addr string) (*nsq.Producer, error) {
	return newProducer(addr, b.tlsCert, b.tlsKey, b.logger)
}

// NewConsumer creates a new consumer configured to authenticate into the member
// mesh and to listen for specific events; though the connectivity itself is left
// for the outside caller.
func (b *Broker) NewConsumer(topic string) (*nsq.Consumer, error) {
	return newConsumer(topic, b.name, b.tlsCert, b.tlsKey, b.logger)
}

// Subscribe attaches a handler to a topic of the local daemon. Messages are fed
// to the handler one by one in arrival order; handler failures are logged and the
// message dropped, delivery between members is best effort anyway.
func (b *Broker) Subscribe(topic string, handler func(blob []byte) error) (*nsq.Consumer, error) {
	consumer, err := b.NewConsumer(topic)
	if err != nil {
		return nil, err
	}
	logger := b.logger.New("topic", topic)
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		if err := handler(msg.Body); err != nil {
			logger.Warn("Dropping undeliverable message", "err", err)
		}
		return nil
	}))
	if err := consumer.ConnectToNSQD(b.Addr()); err != nil {
		consumer.Stop()
		return nil, err
	}
	return consumer, nil
}

func newProducer(addr string, cert, key []byte, logger log.Logger) (*nsq.Producer, error) {
	config := nsq.NewConfig()
	config.Snappy = true
	config.TlsV1 = true
	config.TlsConfig = makeTLSConfig(cert, key)

	producer, err := nsq.NewProducer(addr, config)
	if err != nil {
		return nil, err
	}
	producer.SetLogger(&nsqProducerLogger{logger}, nsq.LogLevelDebug)

	return producer, nil
}

func newConsumer(topic string, channel string, cert, key []byte, logger log.Logger) (*nsq.Consumer, error) {
	config := nsq.NewConfig()
	config.Snappy = true
	config.TlsV1 = true
	config.TlsConfig = makeTLSConfig(cert, key)

	consumer, err := nsq.NewConsumer(topic, channel, config)
	if err != nil {
		return nil, err
	}
	consumer.SetLogger(&nsqConsumerLogger{logger}, nsq.LogLevelDebug)

	return consumer, nil
}
