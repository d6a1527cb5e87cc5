package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Cookies holds the two session cookies the upstream requires.
type Cookies struct {
	PSID   string `json:"psid"`
	PSIDTS string `json:"psidts"`
}

var ErrNoCookies = errors.New("no session cookies available")

// Source derives session cookies; implementations wrap env config, AWS
// Secrets Manager, or the browser collaborator.
type Source interface {
	Cookies(ctx context.Context) (Cookies, error)
}

// StaticSource returns fixed cookies from configuration.
type StaticSource struct {
	cookies Cookies
}

func NewStaticSource(psid, psidts string) *StaticSource {
	return &StaticSource{cookies: Cookies{PSID: psid, PSIDTS: psidts}}
}

func (s *StaticSource) Cookies(ctx context.Context) (Cookies, error) {
	if s.cookies.PSID == "" {
		return Cookies{}, ErrNoCookies
	}
	return s.cookies, nil
}

// SecretsManagerSource reads cookies from a JSON secret, caching the
// value briefly so the refresh loop does not hammer the API.
type SecretsManagerSource struct {
	client     *secretsmanager.Client
	secretName string

	mu        sync.Mutex
	cached    Cookies
	expiresAt time.Time
	ttl       time.Duration
}

func NewSecretsManagerSource(ctx context.Context, region, secretName string) (*SecretsManagerSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SecretsManagerSource{
		client:     secretsmanager.NewFromConfig(cfg),
		secretName: secretName,
		ttl:        5 * time.Minute,
	}, nil
}

func NewSecretsManagerSourceWithConfig(cfg aws.Config, secretName string) *SecretsManagerSource {
	return &SecretsManagerSource{
		client:     secretsmanager.NewFromConfig(cfg),
		secretName: secretName,
		ttl:        5 * time.Minute,
	}
}

func (s *SecretsManagerSource) Cookies(ctx context.Context) (Cookies, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Now().Before(s.expiresAt) && s.cached.PSID != "" {
		return s.cached, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretName),
	})
	if err != nil {
		return Cookies{}, fmt.Errorf("get secret %s: %w", s.secretName, err)
	}

	var cookies Cookies
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &cookies); err != nil {
		return Cookies{}, fmt.Errorf("parse secret %s: %w", s.secretName, err)
	}
	if cookies.PSID == "" {
		return Cookies{}, ErrNoCookies
	}

	s.cached = cookies
	s.expiresAt = time.Now().Add(s.ttl)
	return cookies, nil
}
