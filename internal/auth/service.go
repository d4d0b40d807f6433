package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

const (
	tokenTypeAccess   = "access"
	tokenTypeRefresh  = "refresh"
	grantTypePassword = "password"
	grantTypeRefresh  = "refresh_token"
	passwordSaltBytes = 16
)

// Service 负责签发与校验 HS256 令牌。
type Service struct {
	store  Store
	cfg    Config
	secret []byte
	audit  *slog.Logger
	now    func() time.Time
}

type claims struct {
	Username    string   `json:"username"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// NewService 构造鉴权服务。
func NewService(cfg Config, store Store) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "鉴权服务需要用户目录")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret 未配置")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		audit:  logger.Audit(),
		now:    time.Now,
	}, nil
}

// Authenticate 处理 password 与 refresh_token 两种授权方式。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	switch strings.ToLower(strings.TrimSpace(req.GrantType)) {
	case "", grantTypePassword:
		return s.passwordGrant(ctx, req)
	case grantTypeRefresh:
		return s.refreshGrant(ctx, req)
	default:
		return nil, xerrors.New(CodeUnsupportedGrant, "不支持的授权方式: "+req.GrantType)
	}
}

func (s *Service) passwordGrant(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	user, err := s.store.FindUserByUsername(ctx, req.Username)
	if err != nil || user == nil || !verifyPassword(user.PasswordHash, req.Password) {
		s.audit.Warn("token_denied", "username", req.Username, "grant_type", grantTypePassword)
		return nil, xerrors.New(CodeInvalidCredentials, "用户名或密码错误")
	}
	if user.Disabled {
		return nil, xerrors.New(CodeSubjectDisabled, "账号已停用: "+user.Username)
	}
	subject, err := s.store.LoadSubject(ctx, user.ID)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidCredentials, err, "加载主体失败")
	}
	return s.issue(subject)
}

func (s *Service) refreshGrant(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	c, err := s.parse(req.RefreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	subject, err := s.loadActiveSubject(ctx, c)
	if err != nil {
		return nil, err
	}
	return s.issue(subject)
}

// AuthenticateRequest 解析 Authorization 头并返回当前主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, xerrors.New(CodeMissingToken, "缺少 Bearer 令牌")
	}
	c, err := s.parse(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return s.loadActiveSubject(ctx, c)
}

func (s *Service) loadActiveSubject(ctx context.Context, c *claims) (*Subject, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidToken, err, "令牌主体无效")
	}
	subject, err := s.store.LoadSubject(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidToken, err, "令牌主体不存在")
	}
	if subject.Disabled {
		return nil, xerrors.New(CodeSubjectDisabled, "账号已停用: "+subject.Username)
	}
	return subject, nil
}

func (s *Service) issue(subject *Subject) (*TokenPair, error) {
	now := s.now()
	access, err := s.sign(subject, tokenTypeAccess, now, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(subject, tokenTypeRefresh, now, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	s.audit.Info("token_issued", "username", subject.Username, "subject_id", subject.ID)
	return &TokenPair{
		AccessToken:      access,
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(s.cfg.RefreshTTL.Seconds()),
		TokenType:        "Bearer",
		Subject:          subject.Clone(),
	}, nil
}

func (s *Service) sign(subject *Subject, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	c := claims{
		Username:    subject.Username,
		Roles:       subject.Roles,
		Permissions: subject.Permissions,
		TokenType:   tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    s.cfg.Issuer,
			Audience:  s.cfg.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutionFailure, err, "签发令牌失败")
	}
	return signed, nil
}

func (s *Service) parse(token, tokenType string) (*claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if len(s.cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience[0]))
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return s.secret, nil }, opts...)
	if err != nil {
		reason := "令牌无效"
		if stdErrors.Is(err, jwt.ErrTokenExpired) {
			reason = "令牌已过期"
		}
		return nil, xerrors.Wrap(CodeInvalidToken, err, reason)
	}
	if c.TokenType != tokenType {
		return nil, xerrors.New(CodeInvalidToken, "令牌类型不匹配", xerrors.WithMetadata("token_type", c.TokenType))
	}
	return &c, nil
}

// HashPassword 生成加盐的 SHA-256 摘要，格式为 salt:digest。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "密码不能为空")
	}
	salt := make([]byte, passwordSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", xerrors.Wrap(xerrors.CodeExecutionFailure, err, "生成盐失败")
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return base64.RawStdEncoding.EncodeToString(salt) + ":" + base64.RawStdEncoding.EncodeToString(digest[:]), nil
}

func verifyPassword(hashed, password string) bool {
	saltPart, digestPart, ok := strings.Cut(hashed, ":")
	if !ok {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(digestPart)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(password)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}
