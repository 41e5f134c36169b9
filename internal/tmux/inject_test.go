package tmux

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeDriver records the key events sent to it as compact strings.
type fakeDriver struct {
	ops     []string
	sendErr error
}

func (f *fakeDriver) SessionExists(context.Context, string) bool { return true }

func (f *fakeDriver) CreateSession(context.Context, string, string) error { return nil }

func (f *fakeDriver) KillSession(context.Context, string) error { return nil }

func (f *fakeDriver) FirstPane(context.Context, string) (string, error) { return "", nil }

func (f *fakeDriver) PaneExists(context.Context, string) bool { return true }

func (f *fakeDriver) ListPanes(context.Context) ([]Pane, error) { return nil, nil }

func (f *fakeDriver) FindPaneByCwd(context.Context, string) (Pane, bool) { return Pane{}, false }

func (f *fakeDriver) Capture(context.Context, string, int) (string, error) { return "", nil }

func (f *fakeDriver) SendText(_ context.Context, _ string, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.ops = append(f.ops, "text:"+text)
	return nil
}

func (f *fakeDriver) SendKeys(_ context.Context, _ string, keys ...string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, k := range keys {
		f.ops = append(f.ops, "key:"+k)
	}
	return nil
}

func newTestInjector(d Driver) *Injector {
	inj := NewInjector(d,
		observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		observability.NewMetricsWith(prometheus.NewRegistry()))
	inj.sleep = func(time.Duration) {}
	return inj
}

func TestSendInputSequence(t *testing.T) {
	d := &fakeDriver{}
	inj := newTestInjector(d)

	if err := inj.SendInput(context.Background(), "ca-x:0.0", "hello worker"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	want := []string{"key:C-u", "text:hello worker", "key:Enter"}
	if !reflect.DeepEqual(d.ops, want) {
		t.Errorf("SendInput() ops = %v, want %v", d.ops, want)
	}
}

func TestSendInputRejectsEmpty(t *testing.T) {
	d := &fakeDriver{}
	inj := newTestInjector(d)

	if err := inj.SendInput(context.Background(), "ca-x:0.0", "  \n "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("SendInput() error = %v, want ErrEmptyInput", err)
	}
	if len(d.ops) != 0 {
		t.Errorf("SendInput() sent %v before rejecting, want no key events", d.ops)
	}
}

func TestSendPermissionSequences(t *testing.T) {
	tests := []struct {
		answer Answer
		want   []string
	}{
		{AnswerYes, []string{"key:Enter"}},
		{AnswerAlways, []string{"key:Down", "key:Enter"}},
		{AnswerNo, []string{"key:Down", "key:Down", "key:Enter"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.answer), func(t *testing.T) {
			d := &fakeDriver{}
			inj := newTestInjector(d)
			if err := inj.SendPermission(context.Background(), "ca-x:0.0", tt.answer); err != nil {
				t.Fatalf("SendPermission(%q) error = %v", tt.answer, err)
			}
			if !reflect.DeepEqual(d.ops, tt.want) {
				t.Errorf("SendPermission(%q) ops = %v, want %v", tt.answer, d.ops, tt.want)
			}
		})
	}
}

func TestSendPermissionUnknownAnswer(t *testing.T) {
	inj := newTestInjector(&fakeDriver{})
	if err := inj.SendPermission(context.Background(), "ca-x:0.0", Answer("z")); err == nil {
		t.Error("SendPermission(z) error = nil, want error")
	}
}

func TestSendDialogTextSequence(t *testing.T) {
	d := &fakeDriver{}
	inj := newTestInjector(d)

	if err := inj.SendDialogText(context.Background(), "ca-x:0.0", "use the staging db"); err != nil {
		t.Fatalf("SendDialogText() error = %v", err)
	}
	want := []string{"key:C-u", "key:Down", "key:Down", "text:use the staging db", "key:Enter"}
	if !reflect.DeepEqual(d.ops, want) {
		t.Errorf("SendDialogText() ops = %v, want %v", d.ops, want)
	}
}

func TestSendInputPropagatesDriverError(t *testing.T) {
	d := &fakeDriver{sendErr: errors.New("pane gone")}
	inj := newTestInjector(d)

	if err := inj.SendInput(context.Background(), "ca-x:0.0", "hi"); err == nil {
		t.Error("SendInput() error = nil with dead pane, want error")
	}
}

func TestSettleDelayScalesWithSize(t *testing.T) {
	small := settleDelay("ok")
	large := settleDelay(string(make([]byte, 4096)))

	if small != settleBase+2*settlePerByte {
		t.Errorf("settleDelay(2 bytes) = %v, want %v", small, settleBase+2*settlePerByte)
	}
	if large <= small {
		t.Errorf("settleDelay(4096 bytes) = %v, want > %v", large, small)
	}
}
