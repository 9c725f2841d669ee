package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	loggerpkg "github.com/0xrifai/pharos-network/pkg/logger"
)

// Service validates bearer tokens against the configured catalogue.
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Option customises the service.
type Option func(*Service)

// WithAuditLogger overrides the audit logger used by the middleware.
func WithAuditLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.audit = logger
		}
	}
}

// NewService builds a service from cfg. An empty mode disables auth.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("auth mode %q requires at least one token", mode)
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for i, token := range cfg.Tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" {
			return nil, fmt.Errorf("token %d (%s) has an empty secret", i, token.Name)
		}
		digest := sha256.Sum256([]byte(secret))
		if other, dup := seen[digest]; dup {
			return nil, fmt.Errorf("tokens %s and %s share a secret", other, token.Name)
		}
		seen[digest] = token.Name
		name := token.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		subject := Subject{
			Name:        name,
			Permissions: append([]string(nil), token.Permissions...),
			Disabled:    token.Disabled,
		}
		subject.normalise()
		s.tokens = append(s.tokens, tokenEntry{digest: digest, subject: subject})
	}
	return s, nil
}

// Mode returns the active authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest resolves the subject behind an Authorization header.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	return s.Authenticate(token)
}

// Authenticate resolves the subject owning a raw token.
func (s *Service) Authenticate(token string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrInvalidToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *tokenEntry
	// Every entry is compared so the scan time does not depend on which
	// token matched.
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			match = &s.tokens[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), match.subject.Permissions...)
	subject.permissionsSet = nil
	subject.normalise()
	return &subject, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}
