package task

import (
	"container/heap"
	"context"
	"sync"

	xerrors "ChainSage/internal/errors"
)

// MemoryQueue 是进程内的优先级队列：Priority 高者先出，同优先级按投递顺序。
// 容量满时 Publish 阻塞直到有空位或 ctx 结束。
type MemoryQueue struct {
	mu     sync.Mutex
	items  messageHeap
	seq    uint64
	slots  chan struct{}
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size<=0 时为 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		slots: make(chan struct{}, size),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Publish 将任务投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	case <-ctx.Done():
		return ctx.Err()
	case q.slots <- struct{}{}:
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	q.seq++
	heap.Push(&q.items, queued{msg: msg, seq: q.seq})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Consume 启动 workerCount 个协程处理消息。队列关闭后会先处理完剩余消息再返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if msg, ok := q.pop(); ok {
					_ = handler(ctx, msg)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					if q.Len() == 0 {
						return
					}
				case <-q.wake:
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) pop() (Message, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return Message{}, false
	}
	item := heap.Pop(&q.items).(queued)
	remaining := q.items.Len()
	q.mu.Unlock()

	<-q.slots
	if remaining > 0 {
		// 唤醒其他空闲 worker 继续取。
		q.signal()
	}
	return item.msg, true
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len 返回排队中的消息数。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close 停止接收新消息。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

type queued struct {
	msg Message
	seq uint64
}

type messageHeap []queued

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(queued)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
