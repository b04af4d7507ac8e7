package msgsock

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// connectionFile is the YAML form of ConnectionSettings. Zero values keep the
// defaults.
type connectionFile struct {
	ReceiveTimeout      time.Duration `yaml:"receive_timeout"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
	ReceiveBufferSize   int           `yaml:"receive_buffer_size"`
	SendBufferSize      int           `yaml:"send_buffer_size"`
	AllowedPolicyErrors []string      `yaml:"allowed_policy_errors"`
	Encoding            string        `yaml:"encoding"`
	SizeHeader          int           `yaml:"size_header"`
	UseSizeHeader       *bool         `yaml:"use_size_header"`
	EOT                 string        `yaml:"eot"`
	MaxMessageSize      int           `yaml:"max_message_size"`
}

type clientFile struct {
	Connection connectionFile `yaml:",inline"`

	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ServerName     string        `yaml:"server_name"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	CAFiles        []string      `yaml:"ca_files"`
}

type serverFile struct {
	Connection connectionFile `yaml:",inline"`

	Address              string        `yaml:"address"`
	Port                 *int          `yaml:"port"`
	CertFile             string        `yaml:"cert_file"`
	KeyFile              string        `yaml:"key_file"`
	Synchronous          bool          `yaml:"synchronous"`
	MaxConnections       int           `yaml:"max_connections"`
	MaxMessagesPerSecond float64       `yaml:"max_messages_per_second"`
	StopTimeout          time.Duration `yaml:"stop_timeout"`
	StatisticsRetention  time.Duration `yaml:"statistics_retention"`
}

// LoadClientSettings reads client settings from a YAML file.
func LoadClientSettings(path string) (ClientSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientSettings{}, errors.Wrapf(err, "read client settings %s", path)
	}
	return ParseClientSettings(data)
}

// ParseClientSettings decodes YAML client settings. Certificate and CA files
// named in the document are loaded.
func ParseClientSettings(data []byte) (ClientSettings, error) {
	var f clientFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ClientSettings{}, errors.Wrap(err, "parse client settings")
	}

	s := NewClientSettings(f.Address, f.Port)
	if err := f.Connection.apply(&s.ConnectionSettings); err != nil {
		return ClientSettings{}, err
	}
	if f.ConnectTimeout > 0 {
		s.ConnectTimeout = f.ConnectTimeout
	}
	s.ServerName = f.ServerName

	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return ClientSettings{}, errors.Wrap(err, "load client certificate")
		}
		s.Certificates = []tls.Certificate{cert}
	}

	if len(f.CAFiles) > 0 {
		pool, err := loadCertPool(f.CAFiles)
		if err != nil {
			return ClientSettings{}, err
		}
		s.RootCAs = pool
	}

	return s, nil
}

// LoadServerSettings reads server settings from a YAML file.
func LoadServerSettings(path string) (ServerSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerSettings{}, errors.Wrapf(err, "read server settings %s", path)
	}
	return ParseServerSettings(data)
}

// ParseServerSettings decodes YAML server settings. A missing port selects
// DefaultServerPort.
func ParseServerSettings(data []byte) (ServerSettings, error) {
	var f serverFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ServerSettings{}, errors.Wrap(err, "parse server settings")
	}

	port := DefaultServerPort
	if f.Port != nil {
		port = *f.Port
	}

	s := NewServerSettings(port)
	if err := f.Connection.apply(&s.ConnectionSettings); err != nil {
		return ServerSettings{}, err
	}
	s.Address = f.Address
	s.Synchronous = f.Synchronous
	s.MaxConnections = f.MaxConnections
	s.MaxMessagesPerSecond = f.MaxMessagesPerSecond
	if f.StopTimeout > 0 {
		s.StopTimeout = f.StopTimeout
	}
	if f.StatisticsRetention > 0 {
		s.StatisticsRetention = f.StatisticsRetention
	}

	if f.CertFile != "" || f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return ServerSettings{}, errors.Wrap(err, "load server certificate")
		}
		s.Certificate = &cert
	}

	return s.normalize(), nil
}

func (f connectionFile) apply(s *ConnectionSettings) error {
	if f.ReceiveTimeout > 0 {
		s.ReceiveTimeout = f.ReceiveTimeout
	}
	if f.SendTimeout > 0 {
		s.SendTimeout = f.SendTimeout
	}
	if f.ReceiveBufferSize > 0 {
		s.ReceiveBufferSize = f.ReceiveBufferSize
	}
	if f.SendBufferSize > 0 {
		s.SendBufferSize = f.SendBufferSize
	}
	if f.Encoding != "" {
		s.Encoding = f.Encoding
	}
	if f.SizeHeader != 0 {
		// Invalid widths keep the default, as SetSizeHeader does.
		s.SetSizeHeader(f.SizeHeader)
	}
	if f.UseSizeHeader != nil {
		s.UseLineFraming = !*f.UseSizeHeader
	}
	if f.EOT != "" {
		s.EOT = f.EOT
	}
	if f.MaxMessageSize > 0 {
		s.MaxMessageSize = f.MaxMessageSize
	}

	policy, err := ParsePolicyErrors(f.AllowedPolicyErrors)
	if err != nil {
		return err
	}
	s.AllowedPolicyErrors = policy

	if _, err := s.textEncoding(); err != nil {
		return err
	}
	return nil
}

// ParsePolicyErrors converts policy error names, as printed by
// PolicyErrors.String, into a mask.
func ParsePolicyErrors(names []string) (PolicyErrors, error) {
	policy := PolicyErrorNone
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "", "none":
		case "certificate-not-available":
			policy |= PolicyErrorCertificateNotAvailable
		case "name-mismatch":
			policy |= PolicyErrorNameMismatch
		case "chain-errors":
			policy |= PolicyErrorChainErrors
		default:
			return PolicyErrorNone, errors.Wrapf(ErrInvalidSettings, "unknown policy error %q", name)
		}
	}
	return policy, nil
}

// loadCertPool starts from the system pool and appends the PEM files.
func loadCertPool(files []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	for _, file := range files {
		pem, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "read CA file %s", file)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Wrapf(ErrInvalidSettings, "no certificates in CA file %s", file)
		}
	}
	return pool, nil
}
