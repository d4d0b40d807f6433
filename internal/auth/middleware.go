package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Middleware 返回 echo 中间件：校验 Bearer 令牌，要求主体具备 perms 中的全部权限，并写入审计日志。
// s 为 nil 表示未开启鉴权，请求直接放行。
func (s *Service) Middleware(perms ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s == nil {
				return next(c)
			}
			r := c.Request()
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get(echo.HeaderAuthorization))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := StatusFor(err)
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return echo.NewHTTPError(status, http.StatusText(status))
			}

			start := time.Now()
			c.SetRequest(r.WithContext(WithSubject(r.Context(), subject)))
			err = next(c)
			s.audit.Info("api_request",
				"method", r.Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Username,
			)
			return err
		}
	}
}

// StatusFor 把鉴权错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAccessDenied, CodeSubjectDisabled:
		return http.StatusForbidden
	case CodeUnsupportedGrant, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}
