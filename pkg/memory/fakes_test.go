package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// fakeModel is a scriptable LanguageModel for tests. Unset hooks return
// errors so tests exercise the degradation paths by default.
type fakeModel struct {
	mu sync.Mutex

	generateFn func(prompt, system string) (string, error)
	extractFn  func(prompt, system string, out any) error
	embedFn    func(texts []string) ([][]float32, error)

	generateCalls int
	extractCalls  int
	embedCalls    int
}

func (m *fakeModel) Generate(_ context.Context, prompt, system string, _ int, _ float64) (string, error) {
	m.mu.Lock()
	m.generateCalls++
	fn := m.generateFn
	m.mu.Unlock()
	if fn == nil {
		return "", errors.New("generate not scripted")
	}
	return fn(prompt, system)
}

func (m *fakeModel) ExtractStructured(_ context.Context, prompt, system string, out any) error {
	m.mu.Lock()
	m.extractCalls++
	fn := m.extractFn
	m.mu.Unlock()
	if fn == nil {
		return errors.New("extract not scripted")
	}
	return fn(prompt, system, out)
}

func (m *fakeModel) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.embedCalls++
	fn := m.embedFn
	m.mu.Unlock()
	if fn == nil {
		return nil, errors.New("embed not scripted")
	}
	return fn(texts)
}

// tableEmbed returns an embed hook that looks texts up in a fixed table.
// Unknown texts get a nil vector.
func tableEmbed(table map[string][]float32) func([]string) ([][]float32, error) {
	return func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = table[t]
		}
		return out, nil
	}
}

// unmarshalInto mimics a structured-extraction backend returning fixed JSON.
func unmarshalInto(raw string, out any) error {
	return json.Unmarshal([]byte(raw), out)
}

type sinkEvent struct {
	ProjectID string
	Kind      string
	Message   string
	TurnID    string
	Data      map[string]any
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) Publish(projectID, kind, message, turnID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{ProjectID: projectID, Kind: kind, Message: message, TurnID: turnID, Data: data})
}

func (s *fakeSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}
