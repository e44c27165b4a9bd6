package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultBroker is the public broker the original scanner firmware used.
const DefaultBroker = "tcp://broker.hivemq.com:1883"

// TLSOptions holds TLS configuration that can be loaded from YAML or env.
type TLSOptions struct {
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
	ServerName         string `mapstructure:"serverName"`
	CAFile             string `mapstructure:"caFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
}

// Config configures a broker connection.
type Config struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"clientID"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
	// KeepAlive is the ping interval once connected, defaults to 60 seconds
	KeepAlive time.Duration `mapstructure:"keepAlive"`
	// ConnectTimeout bounds a single dial, defaults to 10 seconds
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// ConnectRetries is how many times the listener retries the first connection
	ConnectRetries int `mapstructure:"connectRetries"`
	// BufferSize is the depth of each subscription channel, defaults to 100
	BufferSize   int         `mapstructure:"bufferSize"`
	CleanSession bool        `mapstructure:"cleanSession"`
	TLS          *TLSOptions `mapstructure:"tls"`
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.ClientID == "" {
		c.ClientID = "platewatch-" + uuid.NewString()[:8]
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	return c
}

func (c Config) validate() error {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL %q: %w", c.Broker, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("invalid broker URL %q: unsupported scheme %q", c.Broker, u.Scheme)
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid qos %d", c.QoS)
	}
	return nil
}

// pahoOptions converts c into paho client options. Handlers are set by Client.
func (c Config) pahoOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.Broker)
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
	}
	if c.Password != "" {
		opts.SetPassword(c.Password)
	}
	if c.TLS != nil {
		tlsConfig, err := createTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetKeepAlive(c.KeepAlive)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetCleanSession(c.CleanSession)
	// the first connection is retried by the caller; later drops reconnect here
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOrderMatters(true)

	return opts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if tlsOpts.CAFile != "" {
		caCert, err := os.ReadFile(tlsOpts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
