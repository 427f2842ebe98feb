package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"edusandbox/model"
)

// Editor is the source editor a run reads from.
type Editor interface {
	GetValue() string
	ClearHighlights()
	HighlightLine(line int)
}

// Sinks are the output areas a run writes to, addressed by id.
type Sinks interface {
	AppendText(sinkID, text string)
	AppendImage(sinkID string, img model.Image)
	// SetError replaces the content of an error area; "" clears it.
	SetError(sinkID, html string)
}

// Prompter answers an input() placeholder.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// Formatter rewrites printed text before it reaches a text sink.
type Formatter interface {
	Format(text string) string
}

// StaticEditor is an Editor over fixed source text that records highlights.
type StaticEditor struct {
	Source string

	mu          sync.Mutex
	highlighted []int
}

func (e *StaticEditor) GetValue() string { return e.Source }

func (e *StaticEditor) ClearHighlights() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highlighted = nil
}

func (e *StaticEditor) HighlightLine(line int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highlighted = append(e.highlighted, line)
}

// Highlighted returns the lines highlighted since the last clear.
func (e *StaticEditor) Highlighted() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.highlighted...)
}

// BufferSinks keeps every sink's content in memory.
type BufferSinks struct {
	mu     sync.Mutex
	text   map[string]*strings.Builder
	images map[string][]model.Image
	errors map[string]string
}

func NewBufferSinks() *BufferSinks {
	return &BufferSinks{
		text:   map[string]*strings.Builder{},
		images: map[string][]model.Image{},
		errors: map[string]string{},
	}
}

func (b *BufferSinks) AppendText(sinkID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.text[sinkID]
	if !ok {
		sb = &strings.Builder{}
		b.text[sinkID] = sb
	}
	sb.WriteString(text)
}

func (b *BufferSinks) AppendImage(sinkID string, img model.Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.images[sinkID] = append(b.images[sinkID], img)
}

func (b *BufferSinks) SetError(sinkID, html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if html == "" {
		delete(b.errors, sinkID)
		return
	}
	b.errors[sinkID] = html
}

func (b *BufferSinks) Text(sinkID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sb, ok := b.text[sinkID]; ok {
		return sb.String()
	}
	return ""
}

func (b *BufferSinks) Images(sinkID string) []model.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Image(nil), b.images[sinkID]...)
}

func (b *BufferSinks) Error(sinkID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errors[sinkID]
}

// SinkIDs returns every sink that received content.
func (b *BufferSinks) SinkIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]bool{}
	for id := range b.text {
		seen[id] = true
	}
	for id := range b.images {
		seen[id] = true
	}
	for id := range b.errors {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var ErrNoInput = errors.New("no input value available")

// QueuePrompter answers prompts from a fixed list of values, in order.
type QueuePrompter struct {
	mu      sync.Mutex
	values  []string
	prompts []string
}

func NewQueuePrompter(values ...string) *QueuePrompter {
	return &QueuePrompter{values: values}
}

func (q *QueuePrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prompts = append(q.prompts, prompt)
	if len(q.values) == 0 {
		return "", ErrNoInput
	}
	v := q.values[0]
	q.values = q.values[1:]
	return v, nil
}

// Prompts returns the prompts asked so far.
func (q *QueuePrompter) Prompts() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.prompts...)
}
