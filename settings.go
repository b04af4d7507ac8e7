package msgsock

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Default configuration values.
const (
	// DefaultBufferSize is the default socket buffer size (50 KiB).
	DefaultBufferSize = 50 * 1024
	// DefaultSizeHeader is the default width of the size header in bytes.
	DefaultSizeHeader = 4
	// DefaultEOT is the default line delimiter.
	DefaultEOT = "\r\n"
	// DefaultEncoding is the default text encoding for line messages.
	DefaultEncoding = "utf-8"
	// DefaultServerPort is used when a server port is out of range.
	DefaultServerPort = 29413
	// DefaultConnectTimeout bounds dialing when ClientSettings leave it unset.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultStopTimeout bounds the wait for connection workers on shutdown.
	DefaultStopTimeout = 5 * time.Second
	// DefaultStatisticsRetention is how long closed-connection statistics are kept.
	DefaultStatisticsRetention = 10 * time.Minute
)

// PolicyErrors is a mask of certificate validation problems found during a
// TLS client handshake.
type PolicyErrors uint8

// PolicyErrorNone means the remote certificate validated cleanly.
const PolicyErrorNone PolicyErrors = 0

const (
	// PolicyErrorCertificateNotAvailable means the peer presented no certificate.
	PolicyErrorCertificateNotAvailable PolicyErrors = 1 << iota
	// PolicyErrorNameMismatch means the certificate does not match ServerName.
	PolicyErrorNameMismatch
	// PolicyErrorChainErrors means the certificate chain does not verify.
	PolicyErrorChainErrors
)

func (p PolicyErrors) String() string {
	if p == PolicyErrorNone {
		return "none"
	}
	var parts []string
	if p&PolicyErrorCertificateNotAvailable != 0 {
		parts = append(parts, "certificate-not-available")
	}
	if p&PolicyErrorNameMismatch != 0 {
		parts = append(parts, "name-mismatch")
	}
	if p&PolicyErrorChainErrors != 0 {
		parts = append(parts, "chain-errors")
	}
	return strings.Join(parts, "|")
}

// ConnectionSettings holds the parameters shared by client and server streams.
// Use DefaultConnectionSettings, NewClientSettings or NewServerSettings to get
// a value with defaults applied.
type ConnectionSettings struct {
	// ReceiveTimeout and SendTimeout bound each read or write. Zero means no timeout.
	ReceiveTimeout time.Duration
	SendTimeout    time.Duration

	ReceiveBufferSize int
	SendBufferSize    int

	// AllowedPolicyErrors lists the TLS policy errors a client tolerates.
	AllowedPolicyErrors PolicyErrors

	// Encoding names the text encoding of line messages (WHATWG label).
	Encoding string

	// UseLineFraming selects messages terminated by EOT instead of the size
	// header. The zero value frames with the size header.
	UseLineFraming bool
	EOT            string

	// MaxMessageSize caps received messages. Zero means unlimited.
	MaxMessageSize int

	sizeHeader int
}

// DefaultConnectionSettings returns settings with every default applied.
func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		ReceiveBufferSize: DefaultBufferSize,
		SendBufferSize:    DefaultBufferSize,
		Encoding:          DefaultEncoding,
		EOT:               DefaultEOT,
		sizeHeader:        DefaultSizeHeader,
	}
}

// UseSizeHeader reports whether messages carry a size header.
func (s ConnectionSettings) UseSizeHeader() bool {
	return !s.UseLineFraming
}

// SizeHeader returns the width of the size header in bytes.
func (s ConnectionSettings) SizeHeader() int {
	if s.sizeHeader == 0 {
		return DefaultSizeHeader
	}
	return s.sizeHeader
}

// SetSizeHeader sets the size header width. Widths other than 1, 2, 4 and 8
// are ignored and false is returned.
func (s *ConnectionSettings) SetSizeHeader(width int) bool {
	switch width {
	case 1, 2, 4, 8:
		s.sizeHeader = width
		return true
	default:
		return false
	}
}

// maxHeaderPayload returns the largest length the size header can express.
func (s ConnectionSettings) maxHeaderPayload() uint64 {
	width := s.SizeHeader()
	if width == 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(width)) - 1
}

func (s ConnectionSettings) eot() string {
	if s.EOT == "" {
		return DefaultEOT
	}
	return s.EOT
}

// textEncoding resolves Encoding. UTF-8 needs no transcoding and yields nil.
func (s ConnectionSettings) textEncoding() (encoding.Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(s.Encoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSettings, "encoding %q", s.Encoding)
	}
	return enc, nil
}

// withDefaults fills zero buffer sizes, encoding and delimiter.
func (s ConnectionSettings) withDefaults() ConnectionSettings {
	if s.ReceiveBufferSize <= 0 {
		s.ReceiveBufferSize = DefaultBufferSize
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = DefaultBufferSize
	}
	if s.Encoding == "" {
		s.Encoding = DefaultEncoding
	}
	if s.EOT == "" {
		s.EOT = DefaultEOT
	}
	if s.sizeHeader == 0 {
		s.sizeHeader = DefaultSizeHeader
	}
	if s.MaxMessageSize < 0 {
		s.MaxMessageSize = 0
	}
	return s
}

// ClientSettings configures a Client.
type ClientSettings struct {
	ConnectionSettings

	// Address is an IP address or a resolvable host name.
	Address string
	Port    int

	ConnectTimeout time.Duration

	// ServerName enables TLS when set; it is also the name the server
	// certificate is checked against.
	ServerName   string
	Certificates []tls.Certificate
	// RootCAs verifies the server chain. Nil uses the system pool.
	RootCAs *x509.CertPool
}

// NewClientSettings returns client settings for address:port with defaults applied.
func NewClientSettings(address string, port int) ClientSettings {
	return ClientSettings{
		ConnectionSettings: DefaultConnectionSettings(),
		Address:            address,
		Port:               port,
		ConnectTimeout:     DefaultConnectTimeout,
	}
}

// UseTLS reports whether connections are wrapped in TLS.
func (s ClientSettings) UseTLS() bool {
	return s.ServerName != ""
}

// Validate checks that the address resolves and the port is usable.
func (s ClientSettings) Validate(ctx context.Context) error {
	_, err := s.Resolve(ctx)
	return err
}

// Resolve returns the TCP address to dial. Host names are resolved and the
// first IPv4 address is preferred.
func (s ClientSettings) Resolve(ctx context.Context) (*net.TCPAddr, error) {
	if s.Port < 1 || s.Port > math.MaxUint16 {
		return nil, errors.Wrapf(ErrInvalidSettings, "port %d out of range", s.Port)
	}

	host := strings.TrimSpace(s.Address)
	if host == "" {
		return nil, errors.Wrap(ErrInvalidSettings, "empty address")
	}

	if ip := net.ParseIP(host); ip != nil {
		return &net.TCPAddr{IP: ip, Port: s.Port}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidSettings, "resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return nil, errors.Wrapf(ErrInvalidSettings, "resolve %s: no addresses", host)
	}

	chosen := addrs[0]
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a
			break
		}
	}
	return &net.TCPAddr{IP: chosen.IP, Port: s.Port, Zone: chosen.Zone}, nil
}

// tlsConfig builds the client TLS configuration. Chain and name checks run in
// VerifyConnection so that AllowedPolicyErrors can relax them one by one.
func (s ClientSettings) tlsConfig(logger Logger) *tls.Config {
	return &tls.Config{
		ServerName:         s.ServerName,
		Certificates:       s.Certificates,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			policy := certificatePolicy(cs.PeerCertificates, s.ServerName, s.RootCAs)
			if denied := policy &^ s.AllowedPolicyErrors; denied != PolicyErrorNone {
				return errors.Wrapf(ErrTLSPolicy, "%s", denied)
			}
			if policy != PolicyErrorNone {
				logger.Warn("tls policy errors allowed", "server_name", s.ServerName, "policy", policy.String())
			}
			return nil
		},
	}
}

// certificatePolicy computes the policy errors of a presented chain.
func certificatePolicy(chain []*x509.Certificate, serverName string, roots *x509.CertPool) PolicyErrors {
	if len(chain) == 0 {
		return PolicyErrorCertificateNotAvailable
	}

	policy := PolicyErrorNone
	leaf := chain[0]
	if err := leaf.VerifyHostname(serverName); err != nil {
		policy |= PolicyErrorNameMismatch
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates}); err != nil {
		policy |= PolicyErrorChainErrors
	}
	return policy
}

// ServerSettings configures a Server.
type ServerSettings struct {
	ConnectionSettings

	// Address is the bind address. Empty listens on all interfaces.
	Address string
	// Port 0 picks an ephemeral port; values outside [0,65535] fall back to
	// DefaultServerPort.
	Port int

	// Certificate enables TLS when set.
	Certificate *tls.Certificate

	// Synchronous handles messages on the receiving goroutine instead of a
	// separate processor.
	Synchronous bool

	// MaxConnections caps live connections. Zero means unlimited.
	MaxConnections int
	// MaxMessagesPerSecond rate limits each connection. Zero means unlimited.
	MaxMessagesPerSecond float64

	StopTimeout         time.Duration
	StatisticsRetention time.Duration
}

// NewServerSettings returns server settings for port with defaults applied.
func NewServerSettings(port int) ServerSettings {
	return ServerSettings{
		ConnectionSettings:  DefaultConnectionSettings(),
		Port:                port,
		StopTimeout:         DefaultStopTimeout,
		StatisticsRetention: DefaultStatisticsRetention,
	}
}

// UseTLS reports whether accepted connections are wrapped in TLS.
func (s ServerSettings) UseTLS() bool {
	return s.Certificate != nil
}

// normalize replaces out-of-range values so that server settings are always valid.
func (s ServerSettings) normalize() ServerSettings {
	s.ConnectionSettings = s.ConnectionSettings.withDefaults()
	if s.Port < 0 || s.Port > math.MaxUint16 {
		s.Port = DefaultServerPort
	}
	if s.MaxConnections < 0 {
		s.MaxConnections = 0
	}
	if s.MaxMessagesPerSecond < 0 {
		s.MaxMessagesPerSecond = 0
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	if s.StatisticsRetention <= 0 {
		s.StatisticsRetention = DefaultStatisticsRetention
	}
	return s
}

func (s ServerSettings) listenAddress() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

func (s ServerSettings) tlsConfig() *tls.Config {
	if s.Certificate == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*s.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}
