package tmux

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/claude-army/internal/observability"
)

// Key timing. Claude's TUI repaints between keystrokes, so literal text
// needs a settle pause before Enter or the submit races the paste, and menu
// navigation needs a beat between Down presses.
const (
	settleBase    = 100 * time.Millisecond
	settlePerByte = 100 * time.Microsecond
	menuKeyDelay  = 20 * time.Millisecond
)

// Answer is a permission-dialog choice.
type Answer string

const (
	// AnswerYes accepts the pending tool once.
	AnswerYes Answer = "y"
	// AnswerAlways accepts and remembers the decision for the session.
	AnswerAlways Answer = "a"
	// AnswerNo rejects the pending tool.
	AnswerNo Answer = "n"
)

// ErrEmptyInput is returned when a forwarded message trims to nothing;
// sending it would only submit a bare Enter to the agent.
var ErrEmptyInput = errors.New("tmux: refusing to inject empty input")

// Injector turns chat-side actions into pane keystroke sequences.
type Injector struct {
	driver  Driver
	log     *observability.Logger
	metrics *observability.Metrics

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

// NewInjector wraps a Driver with the agent-facing key sequences.
func NewInjector(driver Driver, log *observability.Logger, metrics *observability.Metrics) *Injector {
	return &Injector{driver: driver, log: log, metrics: metrics, sleep: time.Sleep}
}

// SendInput types text into the agent's prompt: clear the input line,
// paste literally, wait for the TUI to settle, then submit.
func (i *Injector) SendInput(ctx context.Context, pane, text string) error {
	err := i.sendInput(ctx, pane, text)
	i.metrics.InjectionDone("input", err)
	return err
}

func (i *Injector) sendInput(ctx context.Context, pane, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if err := i.driver.SendKeys(ctx, pane, "C-u"); err != nil {
		return err
	}
	if err := i.driver.SendText(ctx, pane, text); err != nil {
		return err
	}
	i.sleep(settleDelay(text))
	if err := i.driver.SendKeys(ctx, pane, "Enter"); err != nil {
		return err
	}
	i.log.Debug(ctx, "input injected", "pane", pane, "bytes", len(text))
	return nil
}

// SendPermission answers a Claude permission dialog. The dialog options are
// a vertical menu with "yes" preselected: yes is a bare Enter, "always" is
// one Down, "no" is two.
func (i *Injector) SendPermission(ctx context.Context, pane string, answer Answer) error {
	err := i.sendPermission(ctx, pane, answer)
	i.metrics.InjectionDone("permission", err)
	return err
}

func (i *Injector) sendPermission(ctx context.Context, pane string, answer Answer) error {
	var downs int
	switch answer {
	case AnswerYes:
		downs = 0
	case AnswerAlways:
		downs = 1
	case AnswerNo:
		downs = 2
	default:
		return errors.New("tmux: unknown permission answer " + string(answer))
	}
	for n := 0; n < downs; n++ {
		if err := i.driver.SendKeys(ctx, pane, "Down"); err != nil {
			return err
		}
		i.sleep(menuKeyDelay)
	}
	if err := i.driver.SendKeys(ctx, pane, "Enter"); err != nil {
		return err
	}
	i.log.Debug(ctx, "permission answered", "pane", pane, "answer", string(answer))
	return nil
}

// SendDialogText types free-form text into an open permission dialog. Two
// Downs move focus from the menu into the dialog's text field, then the
// text is pasted and submitted like plain input.
func (i *Injector) SendDialogText(ctx context.Context, pane, text string) error {
	err := i.sendDialogText(ctx, pane, text)
	i.metrics.InjectionDone("dialog", err)
	return err
}

func (i *Injector) sendDialogText(ctx context.Context, pane, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if err := i.driver.SendKeys(ctx, pane, "C-u"); err != nil {
		return err
	}
	for n := 0; n < 2; n++ {
		if err := i.driver.SendKeys(ctx, pane, "Down"); err != nil {
			return err
		}
	}
	if err := i.driver.SendText(ctx, pane, text); err != nil {
		return err
	}
	i.sleep(settleDelay(text))
	if err := i.driver.SendKeys(ctx, pane, "Enter"); err != nil {
		return err
	}
	i.log.Debug(ctx, "dialog text injected", "pane", pane, "bytes", len(text))
	return nil
}

// settleDelay scales the post-paste pause with input size: 100ms plus 0.1ms
// per byte, so a 4 KiB paste waits roughly half a second.
func settleDelay(text string) time.Duration {
	return settleBase + time.Duration(len(text))*settlePerByte
}
