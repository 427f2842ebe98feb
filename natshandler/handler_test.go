package natshandler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"edusandbox/executor"
	"edusandbox/model"
	"edusandbox/service"

	compilergrpc "github.com/lijuuu/GlobalProtoXcode/Compiler"
	"github.com/nats-io/nats.go"
)

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func (p *recordingPublisher) bySubject(prefix string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if strings.HasPrefix(m.subject, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func newTestHandler(t *testing.T) (*Handler, *recordingPublisher) {
	t.Helper()
	m := executor.NewManager(executor.Options{})
	t.Cleanup(m.Close)
	pub := &recordingPublisher{}
	return NewHandler(pub, service.NewCoordinator(m, service.Config{}), 20*time.Second, nil), pub
}

func decodeReply(t *testing.T, data []byte) *compilergrpc.CompileResponse {
	t.Helper()
	var res compilergrpc.CompileResponse
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return &res
}

func TestHandleExecuteRequest(t *testing.T) {
	h, pub := newTestHandler(t)
	body, _ := json.Marshal(model.ExecutionRequest{
		Code: base64.StdEncoding.EncodeToString([]byte("print('hei')")),
	})

	h.HandleExecuteRequest(&nats.Msg{Subject: SubjectExecute, Reply: "_INBOX.1", Data: body})

	replies := pub.bySubject("_INBOX.1")
	if len(replies) != 1 {
		t.Fatalf("got %d replies", len(replies))
	}
	res := decodeReply(t, replies[0].data)
	if !res.Success || res.Output != "hei\n" || res.StatusMessage != "Success" {
		t.Fatalf("reply = %+v", res)
	}

	events := pub.bySubject(SubjectEvents)
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	last, err := model.DecodeMessage(events[len(events)-1].data)
	if err != nil {
		t.Fatal(err)
	}
	if last.Type != model.TypeExecutionComplete || events[0].subject != SubjectEvents+last.MessageID {
		t.Fatalf("unexpected events tail %+v on %s", last, events[0].subject)
	}
}

func TestHandleExecuteRequestBadJSON(t *testing.T) {
	h, pub := newTestHandler(t)
	h.HandleExecuteRequest(&nats.Msg{Subject: SubjectExecute, Reply: "_INBOX.2", Data: []byte("{")})

	replies := pub.bySubject("_INBOX.2")
	if len(replies) != 1 {
		t.Fatalf("got %d replies", len(replies))
	}
	if res := decodeReply(t, replies[0].data); res.Success || res.StatusMessage != "Invalid Request Format" {
		t.Fatalf("reply = %+v", res)
	}
}

type cancelCounter struct {
	cancels int
}

func (c *cancelCounter) Execute(ctx context.Context, req model.ExecutionRequest, observe executor.MessageHandler) *model.ExecutionResponse {
	return &model.ExecutionResponse{Success: true}
}

func (c *cancelCounter) Cancel() { c.cancels++ }

func TestHandleRestartRequest(t *testing.T) {
	exec := &cancelCounter{}
	pub := &recordingPublisher{}
	h := NewHandler(pub, exec, 0, nil)

	h.HandleRestartRequest(&nats.Msg{Subject: SubjectRestart, Reply: "_INBOX.3"})
	if exec.cancels != 1 {
		t.Fatalf("cancels = %d", exec.cancels)
	}
	if res := decodeReply(t, pub.bySubject("_INBOX.3")[0].data); !res.Success {
		t.Fatalf("reply = %+v", res)
	}
}

func TestToCompileResponse(t *testing.T) {
	res := ToCompileResponse(&model.ExecutionResponse{
		Output:        "x",
		Error:         "ZeroDivisionError: division by zero (line 1)",
		StatusMessage: "Failed to execute code",
		ExecutionTime: "1ms",
	})
	if res.Success || res.Output != "x" || res.ExecutionTime != "1ms" || !strings.HasPrefix(res.Error, "ZeroDivisionError") {
		t.Fatalf("res = %+v", res)
	}
}
