// ABOUTME: Feedback rendezvous matching waitingOnInput questions to user replies
// ABOUTME: Suspends only the asking task; answers release the oldest pending question

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// pendingQuestion tracks one suspended ask.
type pendingQuestion struct {
	id         string
	answerChan chan string
	done       chan struct{} // closed when the answer is delivered or the ask abandoned
}

// FeedbackRouter routes user feedback to the task awaiting it. Replies carry
// no correlation id on the wire, so delivery is in ask order: the oldest
// outstanding question gets the next answer.
type FeedbackRouter struct {
	mu      sync.Mutex
	pending []*pendingQuestion
}

// NewFeedbackRouter creates an empty router.
func NewFeedbackRouter() *FeedbackRouter {
	return &FeedbackRouter{}
}

// Ask registers a question and returns a channel that yields the user's
// answer. The channel is closed without a value when ctx ends first. Only
// the caller blocks; heartbeats and other tasks keep running.
func (r *FeedbackRouter) Ask(ctx context.Context) <-chan string {
	pq := &pendingQuestion{
		id:         uuid.NewString(),
		answerChan: make(chan string, 1),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	r.pending = append(r.pending, pq)
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			for i, p := range r.pending {
				if p.id == pq.id {
					r.pending = append(r.pending[:i], r.pending[i+1:]...)
					close(p.answerChan)
					break
				}
			}
			r.mu.Unlock()
		case <-pq.done:
		}
	}()

	return pq.answerChan
}

// Deliver hands an answer to the oldest pending question. Returns an error
// when nothing is waiting.
func (r *FeedbackRouter) Deliver(answer string) error {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("no pending question")
	}
	pq := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()

	// Non-blocking send (channel has buffer of 1)
	select {
	case pq.answerChan <- answer:
	default:
	}
	close(pq.answerChan)
	close(pq.done)
	return nil
}

// Waiting reports how many asks are currently suspended.
func (r *FeedbackRouter) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
