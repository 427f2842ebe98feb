// Package console provides terminal collaborators for running a script
// file outside a document: the file as editor, stdout as sinks, stdin as
// the input prompter.
package console

import (
	"bufio"
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"edusandbox/model"

	"github.com/fatih/color"
)

var (
	errorColor  = color.New(color.FgRed, color.Bold)
	lineColor   = color.New(color.FgYellow)
	imageColor  = color.New(color.FgCyan)
	promptColor = color.New(color.FgGreen)
)

// FileEditor is a script file acting as the source editor. Highlighted
// lines are echoed to w.
type FileEditor struct {
	path   string
	source string
	lines  []string
	w      io.Writer

	mu          sync.Mutex
	highlighted []int
}

func NewFileEditor(path string, w io.Writer) (*FileEditor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	source := string(data)
	return &FileEditor{
		path:   path,
		source: source,
		lines:  strings.Split(source, "\n"),
		w:      w,
	}, nil
}

func (e *FileEditor) GetValue() string { return e.source }

func (e *FileEditor) ClearHighlights() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highlighted = nil
}

func (e *FileEditor) HighlightLine(line int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.highlighted = append(e.highlighted, line)
	if line < 1 || line > len(e.lines) {
		return
	}
	lineColor.Fprintf(e.w, "  --> %s:%d\n", filepath.Base(e.path), line)
	lineColor.Fprintf(e.w, "  %4d | %s\n", line, e.lines[line-1])
}

func (e *FileEditor) Highlighted() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.highlighted...)
}

// TerminalSinks prints text and errors to w and writes images as PNG
// files into a directory. Sink ids only name the image files.
type TerminalSinks struct {
	w        io.Writer
	imageDir string

	mu     sync.Mutex
	images int
	failed bool
}

func NewTerminalSinks(w io.Writer, imageDir string) *TerminalSinks {
	return &TerminalSinks{w: w, imageDir: imageDir}
}

func (s *TerminalSinks) AppendText(sinkID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, text)
}

func (s *TerminalSinks) AppendImage(sinkID string, img model.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images++
	raw, err := img.PNG()
	if err != nil {
		errorColor.Fprintf(s.w, "image %d: %v\n", s.images, err)
		return
	}
	if err := os.MkdirAll(s.imageDir, 0o755); err != nil {
		errorColor.Fprintf(s.w, "image %d: %v\n", s.images, err)
		return
	}
	name := filepath.Join(s.imageDir, fmt.Sprintf("%s-%d.png", sanitizeID(sinkID), s.images))
	if err := os.WriteFile(name, raw, 0o644); err != nil {
		errorColor.Fprintf(s.w, "image %d: %v\n", s.images, err)
		return
	}
	imageColor.Fprintf(s.w, "[figure %d: %dx%d saved to %s]\n", s.images, img.Width, img.Height, name)
}

var tags = regexp.MustCompile(`<[^>]*>`)

func (s *TerminalSinks) SetError(sinkID, markup string) {
	if markup == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	text := html.UnescapeString(tags.ReplaceAllString(markup, ""))
	errorColor.Fprintln(s.w, strings.TrimRight(text, "\n"))
}

// Failed reports whether an error was shown.
func (s *TerminalSinks) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Images returns the number of images written.
func (s *TerminalSinks) Images() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images
}

var unsafeID = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func sanitizeID(id string) string {
	if id = unsafeID.ReplaceAllString(id, "_"); id == "" {
		return "figure"
	}
	return id
}

// StdinPrompter reads input values line by line.
type StdinPrompter struct {
	lines chan string
	errs  chan error
	w     io.Writer
	once  sync.Once
	r     io.Reader
}

func NewStdinPrompter(r io.Reader, w io.Writer) *StdinPrompter {
	return &StdinPrompter{r: r, w: w, lines: make(chan string), errs: make(chan error, 1)}
}

func (p *StdinPrompter) start() {
	go func() {
		scanner := bufio.NewScanner(p.r)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		p.errs <- err
	}()
}

func (p *StdinPrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	p.once.Do(p.start)
	promptColor.Fprint(p.w, prompt)
	if !strings.HasSuffix(prompt, " ") {
		fmt.Fprint(p.w, " ")
	}
	select {
	case line := <-p.lines:
		return line, nil
	case err := <-p.errs:
		p.errs <- err
		return "", fmt.Errorf("read input: %w", err)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
