// Package secrets resolves secret references such as the HSM PIN.
//
// A reference is one of:
//
//	env:NAME                   environment variable NAME
//	file:/path/to/pin          file content, surrounding whitespace removed
//	aws-sm://secret-id         AWS Secrets Manager secret string
//	aws-sm://secret-id#field   field of a JSON secret string
//	anything else              the literal value
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Reference prefixes.
const (
	PrefixEnv  = "env:"
	PrefixFile = "file:"
	PrefixAWS  = "aws-sm://"
)

// Errors.
var (
	ErrNotFound = errors.New("secret not found")
	ErrInvalid  = errors.New("invalid secret")
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves secret references.
type Resolver struct {
	// Region of the Secrets Manager client. Empty uses the default AWS
	// configuration chain.
	Region string

	// Endpoint overrides the Secrets Manager endpoint (optional).
	Endpoint string

	// Client is used instead of a client built from the AWS configuration.
	Client SecretsManagerAPI

	mu sync.Mutex
}

// Resolve returns the value of ref. An empty ref resolves to "".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, PrefixEnv):
		name := strings.TrimPrefix(ref, PrefixEnv)
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, name)
		}
		return v, nil
	case strings.HasPrefix(ref, PrefixFile):
		b, err := os.ReadFile(strings.TrimPrefix(ref, PrefixFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %v", ErrNotFound, err)
			}
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	case strings.HasPrefix(ref, PrefixAWS):
		id, field, _ := strings.Cut(strings.TrimPrefix(ref, PrefixAWS), "#")
		if id == "" {
			return "", fmt.Errorf("%w: empty secret id in %q", ErrInvalid, ref)
		}
		payload, err := r.fetch(ctx, id)
		if err != nil {
			return "", err
		}
		return extractField(payload, field)
	default:
		return ref, nil
	}
}

// IsReference reports whether ref is resolved indirectly.
func IsReference(ref string) bool {
	return strings.HasPrefix(ref, PrefixEnv) || strings.HasPrefix(ref, PrefixFile) || strings.HasPrefix(ref, PrefixAWS)
}

func (r *Resolver) fetch(ctx context.Context, id string) (string, error) {
	client, err := r.client(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("fetch secret %s: %w", id, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %s has no payload", ErrNotFound, id)
}

func (r *Resolver) client(ctx context.Context) (SecretsManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Client != nil {
		return r.Client, nil
	}

	var opts []func(*awscfg.LoadOptions) error
	if r.Region != "" {
		opts = append(opts, awscfg.WithRegion(r.Region))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	r.Client = secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if r.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.Endpoint)
		}
	})
	return r.Client, nil
}

func extractField(payload, field string) (string, error) {
	if field == "" {
		return payload, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return "", fmt.Errorf("%w: secret is not JSON: %v", ErrInvalid, err)
	}
	v, ok := parsed[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q", ErrNotFound, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is not a string", ErrInvalid, field)
	}
	return s, nil
}
