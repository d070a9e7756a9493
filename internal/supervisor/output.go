package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"workrelay/internal/domain"
)

const (
	TaskFile   = "task.json"
	ResultFile = "result.json"
	rawTail    = 4096
)

// Payload is written to the task file for the agent to read.
type Payload struct {
	InvocationID string         `json:"invocation_id"`
	WorkflowID   string         `json:"workflow_id"`
	Role         domain.Role    `json:"role"`
	AgentID      string         `json:"agent_id"`
	Task         string         `json:"task"`
	Context      domain.Context `json:"context"`
	Deadline     string         `json:"deadline"`
	Workspace    string         `json:"workspace"`
	ResultPath   string         `json:"result_path"`
}

// declared is the shape an agent writes to its output channel.
type declared struct {
	Summary     string          `json:"summary"`
	Result      json.RawMessage `json:"result"`
	PullRequest string          `json:"pull_request"`
	Error       string          `json:"error"`
}

var errNoOutput = errors.New("agent declared no output")

// parseOutput reads the result file, falling back to the last JSON object line on stdout.
// A file that exists but does not parse is malformed; the fallback is not consulted.
func parseOutput(resultPath string, stdout []byte) (*domain.Output, error) {
	data, err := os.ReadFile(resultPath)
	switch {
	case err == nil:
		return decodeDeclared(data)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", ResultFile, err)
	}
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			break
		}
		return decodeDeclared(line)
	}
	return nil, errNoOutput
}

func decodeDeclared(data []byte) (*domain.Output, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.New("output is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d declared
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("malformed output: %w", err)
	}
	if dec.More() {
		return nil, errors.New("malformed output: trailing data")
	}
	return &domain.Output{Summary: d.Summary, Result: d.Result, PullRequest: strings.TrimSpace(d.PullRequest), Error: d.Error}, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 64 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
