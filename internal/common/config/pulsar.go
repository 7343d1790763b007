package config

import (
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
)

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// Size of the consumer receive queue
	ReceiverQueueSize int
	// Compression to use on dead letter producers.  Valid values are "", "zlib", "lz4" and "zstd"
	CompressionType pulsar.CompressionType
	// Maximum time a dead letter publish may wait for the broker
	SendTimeout time.Duration
}

func ParsePulsarCompressionType(compressionType string) (pulsar.CompressionType, error) {
	switch strings.ToLower(compressionType) {
	case "", "none":
		return pulsar.NoCompression, nil
	case "zlib":
		return pulsar.ZLib, nil
	case "lz4":
		return pulsar.LZ4, nil
	case "zstd":
		return pulsar.ZSTD, nil
	default:
		return pulsar.NoCompression, errors.Errorf("unknown pulsar compression type %s", compressionType)
	}
}
