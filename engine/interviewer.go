// ABOUTME: Interviewer port for human-in-the-loop nodes, with static, queue, and console implementations.
// ABOUTME: The monitor server provides the HTTP-backed implementation; headless runs fall back to defaults.

package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// Question is one request for human input.
type Question struct {
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	NodeID      diagram.NodeID      `json:"node_id"`
	Prompt      string              `json:"prompt"`
	Default     string              `json:"default,omitempty"`
	Timeout     time.Duration       `json:"-"`
	AskedAt     time.Time           `json:"asked_at"`
}

// Interviewer answers questions on behalf of a human. Implementations block
// until an answer arrives, the context ends, or their own policy decides.
type Interviewer interface {
	Ask(ctx context.Context, q Question) (string, error)
}

// StaticInterviewer answers every question the same way: with its configured
// answer, or the question's default. Headless runs use it.
type StaticInterviewer struct {
	Answer string
}

func (s StaticInterviewer) Ask(ctx context.Context, q Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Answer != "" {
		return s.Answer, nil
	}
	return q.Default, nil
}

// QueueInterviewer replays pre-recorded answers in FIFO order, for
// deterministic tests.
type QueueInterviewer struct {
	mu      sync.Mutex
	answers []string
}

// NewQueueInterviewer returns an interviewer pre-loaded with answers.
func NewQueueInterviewer(answers ...string) *QueueInterviewer {
	return &QueueInterviewer{answers: append([]string{}, answers...)}
}

func (q *QueueInterviewer) Ask(ctx context.Context, question Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.answers) == 0 {
		return "", fmt.Errorf("answer queue exhausted: no answer for %q", question.Prompt)
	}
	answer := q.answers[0]
	q.answers = q.answers[1:]
	return answer, nil
}

// ConsoleInterviewer prompts on a writer and reads one line from a reader.
type ConsoleInterviewer struct {
	reader io.Reader
	writer io.Writer
}

// NewConsoleInterviewer prompts on stdout and reads stdin.
func NewConsoleInterviewer() *ConsoleInterviewer {
	return &ConsoleInterviewer{reader: os.Stdin, writer: os.Stdout}
}

// NewConsoleInterviewerWithIO uses the given reader and writer.
func NewConsoleInterviewerWithIO(r io.Reader, w io.Writer) *ConsoleInterviewer {
	return &ConsoleInterviewer{reader: r, writer: w}
}

func (c *ConsoleInterviewer) Ask(ctx context.Context, q Question) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(c.writer, "[?] %s\n", q.Prompt)
	if q.Default != "" {
		fmt.Fprintf(c.writer, "(default: %s)\n", q.Default)
	}
	fmt.Fprint(c.writer, "> ")

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		scanner := bufio.NewScanner(c.reader)
		if scanner.Scan() {
			ch <- readResult{line: strings.TrimSpace(scanner.Text())}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- readResult{err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-ch:
		if result.err != nil {
			return "", fmt.Errorf("reading answer: %w", result.err)
		}
		if result.line == "" {
			return q.Default, nil
		}
		return result.line, nil
	}
}
