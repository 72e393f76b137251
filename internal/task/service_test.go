package task

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	xerrors "ChainSage/internal/errors"
	"ChainSage/internal/tool"
)

type recordingProducer struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func TestServiceSubmit(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	svc := NewService(NewMemoryStore(), producer, 0)

	retries := 2
	task, err := svc.Submit(ctx, SubmitRequest{
		Query:      "  balance of 0xabc  ",
		Priority:   5,
		MaxRetries: &retries,
		TimeoutMS:  1500,
		Arguments:  map[string]tool.Args{"get_balance": {tool.String("0xabc")}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ID == "" || task.Query != "balance of 0xabc" || task.Status != StatusPending || task.MaxRetries != DefaultMaxAttempts {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Options.ToolRetries == nil || *task.Options.ToolRetries != 2 || task.Options.TimeoutMS != 1500 {
		t.Fatalf("unexpected options: %+v", task.Options)
	}
	msgs := producer.published()
	if len(msgs) != 1 || msgs[0].TaskID != task.ID || msgs[0].Priority != 5 || msgs[0].EnqueuedAt.IsZero() {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	stored, err := svc.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Options.Arguments["get_balance"].StringAt(0) != "0xabc" {
		t.Fatalf("arguments not persisted: %+v", stored.Options)
	}
}

func TestServiceSubmitIdempotent(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	svc := NewService(NewMemoryStore(), producer, 2)

	first, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", Query: "gas price"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", Query: "something else"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.Query != "gas price" {
		t.Fatalf("expected existing task, got %+v", second)
	}
	if n := len(producer.published()); n != 1 {
		t.Fatalf("expected one publish, got %d", n)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), &recordingProducer{}, 1)
	negative := -1
	cases := []SubmitRequest{
		{Query: "   "},
		{Query: "q", MaxRetries: &negative},
		{Query: "q", TimeoutMS: -5},
	}
	for _, req := range cases {
		if _, err := svc.Submit(context.Background(), req); xerrors.CodeOf(err) != CodeTaskValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
	var uninitialised Service
	if _, err := uninitialised.Submit(context.Background(), SubmitRequest{Query: "q"}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected init failure, got %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, &recordingProducer{err: stdErrors.New("broker down")}, 1)

	_, err := svc.Submit(ctx, SubmitRequest{ID: "t1", Query: "q"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	task, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected task state: %+v", task)
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := NewMemoryStore()
	svc := NewService(store, &recordingProducer{}, 1)
	if _, err := svc.Submit(ctx, SubmitRequest{ID: "t1", Query: "q"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Claim(ctx, "t1")
		_ = store.MarkSucceeded(ctx, "t1", Result{RunID: "t1-1"})
	}()
	task, err := svc.WaitUntilCompleted(ctx, "t1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded {
		t.Fatalf("unexpected status: %s", task.Status)
	}
}
