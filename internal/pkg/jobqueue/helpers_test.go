package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestQueue returns a queue on a private miniredis instance.
func newTestQueue(t *testing.T, runner Runner) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewQueue(client, 2)
	q.SetRunner(runner)
	q.SetRetryDelay(10 * time.Millisecond)
	return q, mr
}

type runCall struct {
	kind string
	row  uint
}

// fakeRunner records calls and fails a row a configurable number of times.
type fakeRunner struct {
	mu         sync.Mutex
	candidates map[string][]uint
	failures   map[uint]int
	calls      []runCall
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{candidates: make(map[string][]uint), failures: make(map[uint]int)}
}

func (r *fakeRunner) Candidates(_ context.Context, kind string, userID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID != 0 {
		return r.candidates[kind+":user"], nil
	}
	return r.candidates[kind], nil
}

func (r *fakeRunner) Run(_ context.Context, kind string, row uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{kind: kind, row: row})
	if r.failures[row] > 0 {
		r.failures[row]--
		return errors.New("gateway unavailable")
	}
	return nil
}

func (r *fakeRunner) runs() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func drain(t *testing.T, q *Queue) int {
	t.Helper()
	n := 0
	for {
		ok, err := q.ProcessNext(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}
