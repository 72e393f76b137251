package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

// Service 负责 HTTP 端点的身份验证和授权。密钥只以 SHA-256 摘要形式保存在内存中。
type Service struct {
	mode    Mode
	digests [][sha256.Size]byte
	subject []*Subject
}

// NewService 根据配置构造认证服务。禁用模式下所有请求直接放行。
func NewService(cfg Config) (*Service, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", mode)
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Keys))
	for _, key := range cfg.Keys {
		secret := key.secret()
		if secret == "" {
			return nil, fmt.Errorf("API key %q 未配置 key 或 key_env", key.Name)
		}
		digest := sha256.Sum256([]byte(secret))
		if prev, ok := seen[digest]; ok {
			return nil, fmt.Errorf("API key %q 与 %q 重复", key.Name, prev)
		}
		seen[digest] = key.Name
		subject := &Subject{Name: key.Name, Permissions: slices.Clone(key.Permissions), Disabled: key.Disabled}
		s.digests = append(s.digests, digest)
		s.subject = append(s.subject, subject)
	}
	if len(s.digests) == 0 {
		return nil, fmt.Errorf("api_key 模式至少需要一个密钥")
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部密钥，避免通过耗时推断命中位置。
	for i := range s.digests {
		if subtle.ConstantTimeCompare(digest[:], s.digests[i][:]) == 1 {
			match = s.subject[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match.Clone(), nil
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
