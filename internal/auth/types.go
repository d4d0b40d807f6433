package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// 鉴权模块的错误码。
const (
	CodeInvalidCredentials xerrors.Code = "AUTH_INVALID_CREDENTIALS"
	CodeInvalidToken       xerrors.Code = "AUTH_INVALID_TOKEN"
	CodeMissingToken       xerrors.Code = "AUTH_MISSING_TOKEN"
	CodeUnsupportedGrant   xerrors.Code = "AUTH_UNSUPPORTED_GRANT"
	CodeSubjectDisabled    xerrors.Code = "AUTH_SUBJECT_DISABLED"
)

func init() {
	xerrors.Register(CodeInvalidCredentials, xerrors.Attributes{Message: "invalid credentials", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidToken, xerrors.Attributes{Message: "invalid token", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeMissingToken, xerrors.Attributes{Message: "missing bearer token", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUnsupportedGrant, xerrors.Attributes{Message: "unsupported grant type", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeSubjectDisabled, xerrors.Attributes{Message: "subject is disabled", Severity: xerrors.SeverityWarning})
}

// API 使用的权限名。
const (
	PermAgentsRead  = "agents:read"
	PermAgentsWrite = "agents:write"
	PermAuditRead   = "audit:read"
	PermMCPCall     = "mcp:call"
)

// Store 抽象用户目录，实现必须并发安全。
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// User 是带凭据的账号。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Subject 是写入令牌并随请求上下文传递的主体。
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

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

// HasPermission 判断主体是否拥有权限，"*" 代表全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求主体同时具备全部权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.New(CodeInvalidToken, "缺少鉴权主体")
	}
	if s.Disabled {
		return xerrors.New(CodeSubjectDisabled, "账号已停用: "+s.Username)
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(xerrors.CodeAccessDenied, fmt.Sprintf("缺少权限 %s", perm),
				xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}

// Clone 返回浅拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Username:    s.Username,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// TokenRequest 是 /auth/token 的请求体。
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

// TokenPair 是签发的访问令牌与刷新令牌。
type TokenPair struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	Subject          *Subject `json:"-"`
}

// Config 配置 JWT 签发参数。
type Config struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Seed 是启动时写入的账号。
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}
