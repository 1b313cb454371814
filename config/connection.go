package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/pinrpc/internal/rabbitmq"
)

const (
	// DefaultURL is used when neither a URL nor a hostname is configured.
	DefaultURL = "amqp://localhost"

	defaultHeartbeat = 10 * time.Second
	defaultLocale    = "en_US"
)

// Connection describes how to reach the broker. Hostname wins over URL when
// both are set. The discrete fields fill in whatever the URL leaves out.
type Connection struct {
	URL      string `env:"PINRPC_URL"      json:"url,omitempty"`
	Hostname string `env:"PINRPC_HOSTNAME" json:"hostname,omitempty"`
	Port     int    `env:"PINRPC_PORT"     json:"port,omitempty"`
	VHost    string `env:"PINRPC_VHOST"    json:"vhost,omitempty"`
	Username string `env:"PINRPC_USERNAME" json:"username,omitempty"`
	Password string `env:"PINRPC_PASSWORD" json:"password,omitempty"`

	SocketOptions SocketOptions `json:"socketOptions"`
}

// SocketOptions are the connection tuning parameters.
type SocketOptions struct {
	FrameMax   int    `json:"frameMax,omitempty"`
	ChannelMax int    `json:"channelMax,omitempty"`
	Heartbeat  int    `env:"PINRPC_HEARTBEAT" json:"heartbeat,omitempty"` // seconds
	Locale     string `json:"locale,omitempty"`
	// ConnectTimeout bounds the dial, in seconds. Zero keeps the transport
	// default of 30 seconds.
	ConnectTimeout int `env:"PINRPC_CONNECT_TIMEOUT" json:"connectTimeout,omitempty"`
}

// FormatURL builds the dial URL. The scheme is forced to amqp unless amqps
// is given, and port, credentials and vhost are added when the URL lacks them.
func (c Connection) FormatURL() (string, error) {
	raw := c.URL
	if c.Hostname != "" {
		raw = c.Hostname
	}
	if raw == "" {
		raw = DefaultURL
	}
	if !strings.Contains(raw, "://") {
		raw = "amqp://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Scheme != "amqps" {
		u.Scheme = "amqp"
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker url %q: missing host", rabbitmq.SanitizeURL(raw))
	}

	if u.Port() == "" && c.Port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(c.Port))
	}
	if u.User == nil && c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	if (u.Path == "" || u.Path == "/") && c.VHost != "" {
		u.Path = "/" + c.VHost
		u.RawPath = "/" + url.PathEscape(c.VHost)
	}
	return u.String(), nil
}

// AMQPConfig maps the socket options onto the dial configuration.
func (c Connection) AMQPConfig() amqp.Config {
	heartbeat := defaultHeartbeat
	if c.SocketOptions.Heartbeat > 0 {
		heartbeat = time.Duration(c.SocketOptions.Heartbeat) * time.Second
	}
	locale := c.SocketOptions.Locale
	if locale == "" {
		locale = defaultLocale
	}
	return amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     locale,
		FrameSize:  c.SocketOptions.FrameMax,
		ChannelMax: c.SocketOptions.ChannelMax,
	}
}

// DialTimeout returns the configured dial bound, or zero for the default.
func (c Connection) DialTimeout() time.Duration {
	if c.SocketOptions.ConnectTimeout <= 0 {
		return 0
	}
	return time.Duration(c.SocketOptions.ConnectTimeout) * time.Second
}
