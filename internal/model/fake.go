package model

import (
	"context"
	"strings"
	"sync"
)

// FakeModel is a scripted ChatModel for tests and offline runs. Each call
// pops the next scripted response; when the script is exhausted it echoes a
// canned completion derived from the prompt.
type FakeModel struct {
	mu        sync.Mutex
	script    []string
	requests  []Request
	chunkSize int

	// Fail, when set, is returned as the stream error for every call.
	Fail error
}

// NewFakeModel creates a fake with scripted responses.
func NewFakeModel(script ...string) *FakeModel {
	return &FakeModel{script: script, chunkSize: 8}
}

func (m *FakeModel) Name() string { return "fake" }

// Requests returns the calls observed so far.
func (m *FakeModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Complete implements ChatModel by streaming the scripted text in small
// chunks.
func (m *FakeModel) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var text string
	if len(m.script) > 0 {
		text = m.script[0]
		m.script = m.script[1:]
	} else {
		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Text
		}
		text = "ok: " + firstLine(prompt)
	}
	fail := m.Fail
	size := m.chunkSize
	m.mu.Unlock()

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		if fail != nil {
			chunks <- Chunk{Err: fail}
			return
		}
		for i := 0; i < len(text); i += size {
			end := i + size
			if end > len(text) {
				end = len(text)
			}
			select {
			case chunks <- Chunk{Text: text[i:end]}:
			case <-ctx.Done():
				chunks <- Chunk{Err: ctx.Err()}
				return
			}
		}
		chunks <- Chunk{Done: true, InputTokens: len(req.Messages) * 10, OutputTokens: len(text) / 4}
	}()
	return chunks, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Collect drains a chunk stream into the full text, returning the terminal
// chunk as well. Test helper shared by runtime and orchestrator tests.
func Collect(chunks <-chan Chunk) (string, Chunk) {
	var sb strings.Builder
	var last Chunk
	for c := range chunks {
		if c.Text != "" {
			sb.WriteString(c.Text)
		}
		if c.Done || c.Err != nil {
			last = c
		}
	}
	return sb.String(), last
}
