package bus

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	envTLSCA         = "NATS_TLS_CA"
	envTLSCert       = "NATS_TLS_CERT"
	envTLSKey        = "NATS_TLS_KEY"
	envTLSInsecure   = "NATS_TLS_INSECURE"
	envTLSServerName = "NATS_TLS_SERVER_NAME"
)

// tlsOptionsFromEnv turns the NATS_TLS_* variables into connect options.
// Files are read by nats.go when the connection is dialed.
func tlsOptionsFromEnv() ([]nats.Option, error) {
	ca := strings.TrimSpace(os.Getenv(envTLSCA))
	cert := strings.TrimSpace(os.Getenv(envTLSCert))
	key := strings.TrimSpace(os.Getenv(envTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envTLSServerName))
	insecure := parseBoolEnv(envTLSInsecure)

	if (cert == "") != (key == "") {
		return nil, fmt.Errorf("%s and %s must be set together", envTLSCert, envTLSKey)
	}
	var opts []nats.Option
	if ca != "" {
		opts = append(opts, nats.RootCAs(ca))
	}
	if cert != "" {
		opts = append(opts, nats.ClientCert(cert, key))
	}
	if serverName != "" || insecure {
		// #nosec G402 -- NATS_TLS_INSECURE is for local clusters with self-signed certs.
		opts = append(opts, nats.Secure(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         serverName,
			InsecureSkipVerify: insecure,
		}))
	}
	return opts, nil
}
