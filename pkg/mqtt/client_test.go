package mqtt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/platewatch/pkg/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestNewClient(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		c, err := NewClient(Config{}, nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultBroker, c.Addr())
		assert.True(t, strings.HasPrefix(c.cfg.ClientID, "platewatch-"))
		assert.Equal(t, 10*time.Second, c.cfg.ConnectTimeout)
		assert.Equal(t, 100, c.cfg.BufferSize)
		assert.False(t, c.IsConnected())
	})

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"BadScheme", Config{Broker: "http://localhost:1883"}, "unsupported scheme"},
		{"NoScheme", Config{Broker: "localhost:1883"}, "invalid broker URL"},
		{"BadQoS", Config{Broker: "tcp://localhost:1883", QoS: 3}, "invalid qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPahoOptions(t *testing.T) {
	cfg := Config{
		Broker:   "tcp://localhost:1883",
		ClientID: "scanner-1",
		Username: "user",
		Password: "secret",
	}.withDefaults()

	opts, err := cfg.pahoOptions()
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "localhost:1883", opts.Servers[0].Host)
	assert.Equal(t, "scanner-1", opts.ClientID)
	assert.Equal(t, "user", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.True(t, opts.AutoReconnect)
	assert.False(t, opts.ConnectRetry)
	assert.Equal(t, 10*time.Second, opts.ConnectTimeout)
	assert.Nil(t, opts.TLSConfig)
}

func TestCreateTLSConfig(t *testing.T) {
	t.Run("ServerName", func(t *testing.T) {
		cfg, err := createTLSConfig(&TLSOptions{ServerName: "broker.local", InsecureSkipVerify: true})
		require.NoError(t, err)
		assert.Equal(t, "broker.local", cfg.ServerName)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Nil(t, cfg.RootCAs)
	})

	t.Run("MissingCAFile", func(t *testing.T) {
		_, err := createTLSConfig(&TLSOptions{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA file")
	})

	t.Run("InvalidCA", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
		_, err := createTLSConfig(&TLSOptions{CAFile: path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse CA certificate")
	})

	t.Run("PahoOptions", func(t *testing.T) {
		cfg := Config{Broker: "ssl://localhost:8883", TLS: &TLSOptions{CAFile: "/nonexistent/ca.pem"}}.withDefaults()
		_, err := cfg.pahoOptions()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create TLS config")
	})
}

func TestNotConnected(t *testing.T) {
	c, err := NewClient(Config{Broker: "tcp://localhost:1883"}, nil)
	require.NoError(t, err)

	_, err = c.Subscribe(context.Background(), listener.DefaultTopic)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Publish(context.Background(), listener.DefaultTopic, []byte("{}")), ErrNotConnected)

	// no-op before Connect
	c.Disconnect()
}

func TestConnectRefused(t *testing.T) {
	c, err := NewClient(Config{Broker: "tcp://127.0.0.1:1", ConnectTimeout: time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker connection error")
	assert.False(t, c.IsConnected())
}

func TestHandler(t *testing.T) {
	c, err := NewClient(Config{}, nil)
	require.NoError(t, err)

	t.Run("Delivers", func(t *testing.T) {
		ch := make(chan listener.Message, 1)
		done := make(chan struct{})
		c.handler(ch, done)(nil, fakeMessage{topic: "plates/detected", payload: []byte(`{"plate":"A000AA78"}`)})

		select {
		case msg := <-ch:
			assert.Equal(t, "plates/detected", msg.Topic)
			assert.Equal(t, `{"plate":"A000AA78"}`, string(msg.Payload))
		default:
			t.Fatal("message not delivered")
		}
	})

	t.Run("DropsWhenDisconnecting", func(t *testing.T) {
		ch := make(chan listener.Message) // unbuffered, nobody reading
		done := make(chan struct{})
		close(done)

		returned := make(chan struct{})
		go func() {
			c.handler(ch, done)(nil, fakeMessage{topic: "plates/detected", payload: []byte("x")})
			close(returned)
		}()

		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatal("handler blocked after disconnect")
		}
	})
}
