package auth

import (
	"os"
	"slices"
	"strings"

	xerrors "ChainSage/internal/errors"
)

// Permissions are "<resource>:<action>" pairs. "*" grants everything and
// "<resource>:*" grants every action on one resource.
const (
	PermissionQuery      = "query:run"
	PermissionTasksWrite = "tasks:write"
	PermissionTasksRead  = "tasks:read"
	PermissionCatalog    = "catalog:read"
	PermissionAll        = "*"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
	ErrSubjectRevoked   = xerrors.New(CodePermissionDenied, "subject is disabled")
)

// Subject is the caller resolved from an API key.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool
}

func canonical(permission string) string {
	return strings.ToLower(strings.TrimSpace(permission))
}

// grants reports whether one granted pattern covers the wanted permission.
func grants(pattern, want string) bool {
	pattern = canonical(pattern)
	switch {
	case pattern == PermissionAll, pattern == want:
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(want, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := canonical(permission)
	return slices.ContainsFunc(s.Permissions, func(p string) bool { return grants(p, want) })
}

// Authorize returns nil when the subject is active and holds every non-empty
// permission in perms.
func (s *Subject) Authorize(perms ...string) error {
	switch {
	case s == nil:
		return ErrInvalidToken
	case s.Disabled:
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "missing "+perm,
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	c := *s
	c.Permissions = slices.Clone(s.Permissions)
	return &c
}

type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Key declares one API key. The secret comes from Key, or from the
// environment variable named by KeyEnv.
type Key struct {
	Name        string
	Key         string
	KeyEnv      string
	Permissions []string
	Disabled    bool
}

func (k Key) secret() string {
	if s := strings.TrimSpace(k.Key); s != "" {
		return s
	}
	if k.KeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(k.KeyEnv))
}

type Config struct {
	Mode Mode
	Keys []Key
}
