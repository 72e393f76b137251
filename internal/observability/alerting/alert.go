package alerting

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "ChainSage/internal/errors"
)

// Channel 是通知渠道的名称。
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 是一条告警。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	TaskID     string            `json:"task_id,omitempty"`
	PlanID     string            `json:"plan_id,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent 用错误码的注册属性填充默认描述与严重级别。cause 的错误码与 code
// 一致时沿用 cause 自身的严重级别。
func NewEvent(code xerrors.Code, cause error) Event {
	attrs := xerrors.AttributesOf(code)
	event := Event{Code: code, Message: attrs.Message, Severity: attrs.Severity, OccurredAt: time.Now()}
	if cause == nil {
		return event
	}
	event.Message = cause.Error()
	if xerrors.CodeOf(cause) == code {
		if severity := xerrors.SeverityOf(cause); severity != "" {
			event.Severity = severity
		}
	}
	return event
}

// key 标识“同一件事”，用于抑制重复告警。
func (e Event) key() string {
	return strings.Join([]string{string(e.Code), e.TaskID, e.PlanID, e.Tool, e.Metadata["stage"]}, "|")
}

type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// DispatcherFunc 让普通函数满足 Dispatcher。
type DispatcherFunc func(ctx context.Context, event Event) error

func (f DispatcherFunc) Notify(ctx context.Context, event Event) error { return f(ctx, event) }

// FanoutDispatcher 把事件依次发给每个渠道，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{notifiers: make(map[Channel]Notifier, len(notifiers))}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers[n.Channel()] = n
		}
	}
	return d
}

// Channels 按名称排序返回已注册渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(d.notifiers))
}

// Notify 投递到所有渠道，单个渠道失败不影响其他渠道，错误合并返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, channel := range d.Channels() {
		if err := d.notifiers[channel].Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

var severityRank = map[xerrors.Severity]int{
	xerrors.SeverityInfo:     0,
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// Policy 在事件到达下游之前做过滤。
type Policy struct {
	// MinSeverity 以下的事件被丢弃，空值不过滤。
	MinSeverity xerrors.Severity
	// Window 内 key 相同的事件只投递第一条，<=0 不去重。
	Window time.Duration
}

// Guarded 按 Policy 过滤后转发给 next。
type Guarded struct {
	next   Dispatcher
	policy Policy
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewGuarded(next Dispatcher, policy Policy) *Guarded {
	return &Guarded{next: next, policy: policy, now: time.Now, seen: make(map[string]time.Time)}
}

func (g *Guarded) Notify(ctx context.Context, event Event) error {
	if g == nil || g.next == nil {
		return nil
	}
	if g.policy.MinSeverity != "" && severityRank[event.Severity] < severityRank[g.policy.MinSeverity] {
		return nil
	}
	if g.duplicate(event) {
		return nil
	}
	return g.next.Notify(ctx, event)
}

func (g *Guarded) duplicate(event Event) bool {
	if g.policy.Window <= 0 {
		return false
	}
	now := g.now()
	key := event.key()

	g.mu.Lock()
	defer g.mu.Unlock()
	maps.DeleteFunc(g.seen, func(_ string, at time.Time) bool { return now.Sub(at) >= g.policy.Window })
	if _, ok := g.seen[key]; ok {
		return true
	}
	g.seen[key] = now
	return false
}
