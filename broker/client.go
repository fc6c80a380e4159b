package broker

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/nsqio/go-nsq"
)

// Client is an interface through which NSQ messages can be produced and consumed
// against a remote member's broker, without running an actual broker. The primary
// use case is to tap into a running cluster without joining its membership (e.g.
// to ask a member to leave).
type Client struct {
	tlsCert []byte // Certificate to use for authenticating to the brokers
	tlsKey  []byte // Private key to use for encrypting traffic with the brokers

	logger log.Logger // Logger to allow differentiating clients if many is embedded
}

// NewClient creates a communication interface without a local broker attached.
func NewClient(secret string, logger log.Logger) *Client {
	cert, key := makeTLSCert(secret)
	if logger == nil {
		logger = log.New()
	}
	return &Client{
		tlsCert: cert,
		tlsKey:  key,
		logger:  logger,
	}
}

// NewProducer creates a new producer connected to the specified remote NSQD
// daemon instance.
func (c *Client) NewProducer(addr string) (*nsq.Producer, error) {
	return newProducer(addr, c.tlsCert, c.tlsKey, c.logger)
}

// NewConsumer creates a new consumer configured to authenticate into the member
// mesh and to listen for specific events on the given channel.
func (c *Client) NewConsumer(topic string, channel string) (*nsq.Consumer, error) {
	return newConsumer(topic, channel, c.tlsCert, c.tlsKey, c.logger)
}

// Publish is a one-shot helper that dials a broker, pushes a single message into
// the requested topic and disconnects.
func (c *Client) Publish(addr string, topic string, blob []byte) error {
	producer, err := c.NewProducer(addr)
	if err != nil {
		return err
	}
	defer producer.Stop()

	if err := producer.Ping(); err != nil {
		return err
	}
	return producer.Publish(topic, blob)
}
