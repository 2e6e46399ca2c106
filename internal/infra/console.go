package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/ota_mgr/internal/domain"
)

var actionLabels = map[domain.PromptAction]string{
	domain.ActionDecline:  "Not Now",
	domain.ActionPostpone: "Remind Me Later",
	domain.ActionAccept:   "Update Now",
	domain.ActionRestart:  "Restart Now",
	domain.ActionDismiss:  "OK",
}

// ConsoleConfirmer presents prompts on a terminal and reads a numbered choice.
type ConsoleConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleConfirmer reads answers from in and writes prompts to out.
func NewConsoleConfirmer(in io.Reader, out io.Writer) *ConsoleConfirmer {
	return &ConsoleConfirmer{in: bufio.NewReader(in), out: out}
}

// Present prints the prompt and waits for a choice. Prompts without actions
// are informational and return ActionDismiss immediately. EOF or an
// unrecognised answer picks the first action.
func (c *ConsoleConfirmer) Present(ctx context.Context, p domain.Prompt) (domain.PromptAction, error) {
	fmt.Fprintf(c.out, "\n== %s ==\n%s\n", p.Title, p.Body)
	if len(p.Actions) == 0 {
		return domain.ActionDismiss, nil
	}
	for i, a := range p.Actions {
		fmt.Fprintf(c.out, "  [%d] %s\n", i+1, label(a))
	}
	fmt.Fprint(c.out, "Choice: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.err != io.EOF {
			return "", fmt.Errorf("read answer: %w", ans.err)
		}
		return pick(p.Actions, ans.line), nil
	}
}

func pick(actions []domain.PromptAction, line string) domain.PromptAction {
	line = strings.TrimSpace(line)
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(actions) {
		return actions[n-1]
	}
	for _, a := range actions {
		if strings.EqualFold(line, string(a)) || strings.EqualFold(line, label(a)) {
			return a
		}
	}
	return actions[0]
}

func label(a domain.PromptAction) string {
	if l, ok := actionLabels[a]; ok {
		return l
	}
	return string(a)
}

// AutoConfirmer answers every prompt with a fixed action when the action is
// offered, else the first one. Used for unattended daemons.
type AutoConfirmer struct {
	Answer domain.PromptAction
}

// Present returns the configured answer without user interaction.
func (a AutoConfirmer) Present(_ context.Context, p domain.Prompt) (domain.PromptAction, error) {
	if len(p.Actions) == 0 {
		return domain.ActionDismiss, nil
	}
	for _, act := range p.Actions {
		if act == a.Answer {
			return act, nil
		}
	}
	return p.Actions[0], nil
}

var (
	_ domain.Confirmer = (*ConsoleConfirmer)(nil)
	_ domain.Confirmer = AutoConfirmer{}
)
