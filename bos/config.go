package bos

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/objstore-io/go-superupload/multipart"
)

const (
	// DefaultEndpoint is the Beijing region endpoint.
	DefaultEndpoint = "https://bj.bcebos.com"
	// DefaultExpiration is how long a signature stays valid.
	DefaultExpiration = 1800 * time.Second

	// MinPartSize is the smallest size the service accepts for a non-last part.
	MinPartSize = 100 * 1024
	// MaxPartSize ...
	MaxPartSize = 5 * 1024 * 1024 * 1024
)

// Secret is a string that is not printed in logs.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Credentials are an access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey Secret
}

// Config holds the client configuration.
type Config struct {
	// Endpoint is the service base URL, e.g. https://bj.bcebos.com.
	Endpoint    string
	Credentials Credentials
	// SessionToken is sent as x-bce-security-token when using temporary credentials.
	SessionToken string
	// Expiration is the validity of each signature. Default: DefaultExpiration.
	Expiration time.Duration
	// Clock is the corrected clock used for signing. If nil, the client creates one.
	Clock *multipart.Clock
	// HTTPClient is the client used for idempotent requests (GET, DELETE).
	// If nil, a retrying client is created.
	HTTPClient *retryablehttp.Client
}

func (c Config) endpointURL() (*url.URL, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u, nil
}

func (c Config) validate() error {
	if c.Credentials.AccessKeyID == "" {
		return fmt.Errorf("access key id must not be empty")
	}
	if c.Credentials.SecretAccessKey == "" {
		return fmt.Errorf("secret access key must not be empty")
	}
	return nil
}
