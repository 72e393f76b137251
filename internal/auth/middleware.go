package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ChainSage/pkg/logger"
)

// APIKeyHeader 是 Authorization 之外可选的凭证头，值为原始密钥。
const APIKeyHeader = "X-API-Key"

// DenyFunc 把认证失败写回客户端，由调用方决定错误格式。
type DenyFunc func(w http.ResponseWriter, err error)

func plainDeny(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusUnauthorized)
}

// authorization 取出请求凭证，X-API-Key 会被转换为 Bearer 形式。
func authorization(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.TrimSpace(h) != "" {
		return h
	}
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return "Bearer " + key
	}
	return ""
}

// Middleware 要求调用方持有全部 perms。nil 服务或禁用模式直接放行。
// 通过的请求把主体写入 context，并在审计日志记录一条 api_request。
func (s *Service) Middleware(deny DenyFunc, perms ...string) func(http.Handler) http.Handler {
	if deny == nil {
		deny = plainDeny
	}
	return func(next http.Handler) http.Handler {
		if s.Mode() == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(authorization(r))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				logger.Audit().Warn("access_denied",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				deny(w, err)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			started := time.Now()
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))
			logger.Audit().Info("api_request",
				slog.String("subject", subject.Name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(started)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
