package auth

import "context"

type ctxKey int

const subjectCtxKey ctxKey = iota

// WithSubject 在请求上下文中附带一份调用方副本，处理器修改它不会影响服务端的密钥表。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey, subject.Clone())
}

// SubjectFromContext 返回中间件写入的调用方，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}

// SubjectName 用于日志与审计字段；认证关闭时返回 "anonymous"。
func SubjectName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return "anonymous"
}
