// Package registry implements the RegistryClient port for the supported
// registry account models. Naming rules, retry policy and the translation
// of HTTP failures into error kinds all live here.
package registry

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
	"github.com/ericfisherdev/regcreds/internal/domain/port/driven"
)

const (
	defaultTimeout         = 5 * time.Second
	defaultMaxAttempts     = 3
	defaultInitialInterval = 250 * time.Millisecond
)

// Options configures a registry client.
type Options struct {
	Timeout         time.Duration // per attempt
	MaxAttempts     int
	InitialInterval time.Duration // first retry delay

	// Token authenticates robot-account API calls.
	Token model.Secret

	// CertFile and KeyFile hold the client certificate for partner-account
	// APIs. CAFile optionally pins the server CA.
	CertFile string
	KeyFile  string
	CAFile   string

	// HTTPClient replaces the transport built from the options above.
	HTTPClient *http.Client
}

// New returns the client for reg's variant. This is the only place that
// branches on the variant.
func New(reg model.Registry, opts Options) (driven.RegistryClient, error) {
	if reg.APIURL == "" {
		return nil, fmt.Errorf("registry %s: api url is required: %w", reg.ID, model.ErrInvalidInput)
	}

	retry := retrier{
		timeout:     orDefault(opts.Timeout, defaultTimeout),
		maxAttempts: opts.MaxAttempts,
		initial:     orDefault(opts.InitialInterval, defaultInitialInterval),
	}
	if retry.maxAttempts <= 0 {
		retry.maxAttempts = defaultMaxAttempts
	}

	switch reg.Variant {
	case model.RegistryVariantRobot:
		if reg.OrgName == "" {
			return nil, fmt.Errorf("registry %s: organization is required: %w", reg.ID, model.ErrInvalidInput)
		}
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpClient = github_ratelimit.NewClient(newTransport(nil))
		}
		token := opts.Token
		return &RobotClient{
			reg: reg,
			api: &apiClient{
				registry: reg.ID,
				http:     httpClient,
				retry:    retry,
				authorize: func(req *http.Request) {
					req.Header.Set("Authorization", "Bearer "+token.Reveal())
				},
			},
		}, nil

	case model.RegistryVariantPartner:
		httpClient := opts.HTTPClient
		if httpClient == nil {
			tlsConfig, err := clientTLSConfig(opts.CertFile, opts.KeyFile, opts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("registry %s: %w", reg.ID, err)
			}
			httpClient = &http.Client{Transport: newTransport(tlsConfig)}
		}
		return &PartnerClient{
			reg: reg,
			api: &apiClient{registry: reg.ID, http: httpClient, retry: retry},
		}, nil

	default:
		return nil, fmt.Errorf("registry %s: unknown variant %q: %w", reg.ID, reg.Variant, model.ErrInvalidInput)
	}
}

func newTransport(tlsConfig *tls.Config) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return transport
}

// clientTLSConfig loads the mutual-TLS client certificate and optional CA.
func clientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("client certificate and key are required: %w", model.ErrInvalidInput)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s contains no certificates: %w", caFile, model.ErrInvalidInput)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
