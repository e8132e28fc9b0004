package task

import (
	"sync"

	"github.com/reportd/reportd/internal/eventrunner"
)

// Prompt is a transient bus object created while a worker blocks on user
// input. It is exported under a unique suffix of the owning task's prompt
// base path and unexported immediately once Commit fires or the task is
// cancelled.
type Prompt struct {
	mu sync.Mutex

	basePath string
	typ      eventrunner.PromptType
	message  string

	input    string
	response bool
	remember bool

	committed chan struct{}
	once      sync.Once
}

func newPrompt(basePath string, req eventrunner.PromptRequest) *Prompt {
	return &Prompt{
		basePath:  basePath,
		typ:       req.Type,
		message:   req.Message,
		committed: make(chan struct{}),
	}
}

// BasePath returns the unsuffixed path the prompt should be exported
// under; the bus adapter appends the uniquifying suffix.
func (p *Prompt) BasePath() string { return p.basePath }

// Type returns the prompt kind, for Prompt signal encoding.
func (p *Prompt) Type() int32 { return int32(p.typ) }

// Message returns the prompt's Message property.
func (p *Prompt) Message() string { return p.message }

// Input returns the current Input property value.
func (p *Prompt) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// SetInput sets the Input property; writable over the bus so a client can
// fill in an answer before calling Commit.
func (p *Prompt) SetInput(v string) error {
	p.mu.Lock()
	p.input = v
	p.mu.Unlock()
	return nil
}

// Response returns the current Response property value.
func (p *Prompt) Response() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}

// SetResponse sets the Response property.
func (p *Prompt) SetResponse(v bool) error {
	p.mu.Lock()
	p.response = v
	p.mu.Unlock()
	return nil
}

// Remember returns the current Remember property value.
func (p *Prompt) Remember() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remember
}

// SetRemember sets the Remember property.
func (p *Prompt) SetRemember(v bool) error {
	p.mu.Lock()
	p.remember = v
	p.mu.Unlock()
	return nil
}

// Commit marks the prompt answered and wakes the blocked worker. Calling it
// more than once is a no-op past the first call.
func (p *Prompt) Commit() error {
	p.once.Do(func() { close(p.committed) })
	return nil
}

func (p *Prompt) snapshot() eventrunner.PromptResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return eventrunner.PromptResponse{Input: p.input, Response: p.response, Remember: p.remember}
}
