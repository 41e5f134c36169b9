package poller

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claude-army/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

type pollStep struct {
	updates []*models.Update
	err     error
}

// fakeSource plays back scripted poll rounds; when the script runs out it
// cancels the run context and blocks like a real long poll would.
type fakeSource struct {
	steps   []pollStep
	offsets []int64
	done    context.CancelFunc
}

func (s *fakeSource) Updates(ctx context.Context, offset int64) ([]*models.Update, error) {
	s.offsets = append(s.offsets, offset)
	if len(s.steps) == 0 {
		s.done()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.updates, step.err
}

type failingSource struct{ calls int }

func (s *failingSource) Updates(ctx context.Context, offset int64) ([]*models.Update, error) {
	s.calls++
	return nil, errors.New("getUpdates: connection reset")
}

func TestRunForwardsUpdatesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{
		steps: []pollStep{
			{updates: []*models.Update{{ID: 5}, {ID: 6}}},
			{updates: []*models.Update{{ID: 7}}},
		},
		done: cancel,
	}
	p := NewPoller(src, testLogger())
	out := make(chan *models.Update, 8)
	finished := make(chan struct{})
	go func() {
		p.Run(ctx, out)
		close(finished)
	}()

	var got []int64
	for u := range out {
		got = append(got, u.ID)
	}
	<-finished

	if want := []int64{5, 6, 7}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered ids = %v, want %v", got, want)
	}
	// Each acknowledged batch must advance the offset past its last update.
	if want := []int64{0, 7, 8}; !reflect.DeepEqual(src.offsets, want) {
		t.Errorf("offsets = %v, want %v", src.offsets, want)
	}
}

func TestRunRetriesAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{
		steps: []pollStep{
			{err: errors.New("getUpdates: timeout")},
			{updates: []*models.Update{{ID: 3}}},
		},
		done: cancel,
	}
	p := NewPoller(src, testLogger())
	p.backoff = time.Millisecond
	out := make(chan *models.Update, 8)
	finished := make(chan struct{})
	go func() {
		p.Run(ctx, out)
		close(finished)
	}()

	var got []int64
	for u := range out {
		got = append(got, u.ID)
	}
	<-finished

	if want := []int64{3}; !reflect.DeepEqual(got, want) {
		t.Errorf("delivered ids = %v, want %v", got, want)
	}
	// A failed round must not advance the offset.
	if want := []int64{0, 0, 4}; !reflect.DeepEqual(src.offsets, want) {
		t.Errorf("offsets = %v, want %v", src.offsets, want)
	}
}

func TestRunStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &failingSource{}
	p := NewPoller(src, testLogger())
	p.backoff = time.Hour
	out := make(chan *models.Update, 1)
	finished := make(chan struct{})
	go func() {
		p.Run(ctx, out)
		close(finished)
	}()

	// Let the first round fail and the loop settle into its backoff wait.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, open := <-out; open {
		t.Error("out channel left open after Run returned")
	}
	if src.calls == 0 {
		t.Error("source was never polled")
	}
}
