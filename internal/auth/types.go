package auth

import (
	"fmt"
	"strings"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

// Error codes surfaced by the token guard.
const (
	CodeUnauthorized     xerrors.Code = "UNAUTHORIZED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:  "unauthorized",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthorized, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
	ErrSubjectRevoked   = xerrors.New(CodePermissionDenied, "subject is disabled")
)

// Permissions understood by the API.
const (
	PermAutomationsWrite = "automations:write"
	PermTasksRead        = "tasks:read"
	PermLogsRead         = "logs:read"
	PermLogsDelete       = "logs:delete"
	// PermAll grants every permission.
	PermAll = "*"
)

// Subject identifies the caller behind an accepted token and is passed to
// request handlers via context.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("missing %s", perm))
		}
	}
	return nil
}

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Token is a static bearer token and the permissions it grants.
type Token struct {
	Name        string
	Secret      string
	Permissions []string
	Disabled    bool
}
