package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"aivr-agent/internal/domain"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter. Secrets depend on it
// rather than the concrete *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ErrParameterNotFound is returned when the named parameter does not exist.
var ErrParameterNotFound = errors.New("paramstore: parameter not found")

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of a parameter.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ParameterNotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %q", ErrParameterNotFound, name)
		}
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// tokenPayload is the JSON shape secrets are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// DecodeToken extracts the token from a stored `{"token": "..."}` value.
func DecodeToken(raw string) (string, error) {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	tp.Token = strings.TrimSpace(tp.Token)
	if tp.Token == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}

// Secret resolves a credential from the environment first and from
// `<prefix>/<name>` in Parameter Store second. A value is cached once it has
// been resolved; failures are retried on the next call. When neither source
// has the secret, Value reports domain.ErrNotConfigured.
type Secret struct {
	name     string
	envValue string
	getter   Getter
	prefix   string

	mu    sync.Mutex
	value string
}

// NewSecret builds a Secret. getter may be nil when Parameter Store is not in use.
func NewSecret(name, envValue string, getter Getter, prefix string) *Secret {
	return &Secret{
		name:     name,
		envValue: strings.TrimSpace(envValue),
		getter:   getter,
		prefix:   strings.TrimRight(strings.TrimSpace(prefix), "/"),
	}
}

// ParameterName is the Parameter Store name the secret is read from.
func (s *Secret) ParameterName() string {
	return s.prefix + "/" + s.name
}

func (s *Secret) Value(ctx context.Context) (string, error) {
	if s.envValue != "" {
		return s.envValue, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}

	if s.getter == nil || s.prefix == "" {
		return "", fmt.Errorf("%s: %w", s.name, domain.ErrNotConfigured)
	}

	raw, err := s.getter.GetParameter(ctx, s.ParameterName())
	if errors.Is(err, ErrParameterNotFound) {
		return "", fmt.Errorf("%s: %w", s.name, domain.ErrNotConfigured)
	}
	if err != nil {
		return "", fmt.Errorf("paramstore: resolve %s: %w", s.name, err)
	}
	token, err := DecodeToken(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", s.name, domain.ErrNotConfigured, err)
	}

	s.value = token
	return token, nil
}
