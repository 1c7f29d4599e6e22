package cascade

import (
	"context"
	"strings"
	"sync"
)

// MockProvider is a test double that records requests and replays queued
// responses. Responses can be queued globally or per model id, so a single
// mock can stand in for a whole provider lineup in cascade tests.
type MockProvider struct {
	name string

	mu       sync.Mutex
	queue    []MockResponse
	perModel map[string][]MockResponse
	calls    []*GenerateRequest
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Err       error
}

// NewMockProvider creates a mock with the given provider name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:     name,
		perModel: make(map[string][]MockResponse),
	}
}

// Name returns the provider name.
func (m *MockProvider) Name() string { return m.name }

// Queue appends a scripted reply for any model.
func (m *MockProvider) Queue(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

// QueueFor appends a scripted reply served only to the given model id.
func (m *MockProvider) QueueFor(model string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perModel[model] = append(m.perModel[model], resp)
}

// QueueText appends a plain text reply with default usage.
func (m *MockProvider) QueueText(content string) {
	m.Queue(MockResponse{Content: content, Usage: defaultMockUsage()})
}

// QueueError appends a failing reply.
func (m *MockProvider) QueueError(err error) {
	m.Queue(MockResponse{Err: err})
}

func defaultMockUsage() Usage {
	return Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
}

// Generate records the request and replays the next scripted reply: the
// model-specific queue first, then the shared queue, then a canned default.
func (m *MockProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	var resp MockResponse
	if q := m.perModel[req.Model]; len(q) > 0 {
		resp = q[0]
		m.perModel[req.Model] = q[1:]
	} else if len(m.queue) > 0 {
		resp = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		resp = MockResponse{Content: "mock response", Usage: defaultMockUsage()}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	return &GenerateResponse{
		Content:      resp.Content,
		Model:        req.Model,
		ToolCalls:    resp.ToolCalls,
		Usage:        resp.Usage,
		FinishReason: "stop",
	}, nil
}

// GenerateStream replays the next reply as word-sized chunks, then returns
// the collapsed response.
func (m *MockProvider) GenerateStream(ctx context.Context, req *GenerateRequest, onChunk StreamCallback) (*GenerateResponse, error) {
	resp, err := m.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		onChunk(StreamChunk{Content: word})
	}
	onChunk(StreamChunk{Done: true, FinishReason: resp.FinishReason, Usage: &resp.Usage})
	return resp, nil
}

// Calls returns a copy of the recorded requests.
func (m *MockProvider) Calls() []*GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*GenerateRequest{}, m.calls...)
}

// CallCount returns how many times Generate ran.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastCall returns the most recent request, or nil.
func (m *MockProvider) LastCall() *GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Reset clears recorded calls and queued replies.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.queue = nil
	m.perModel = make(map[string][]MockResponse)
}
