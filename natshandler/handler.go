// Package natshandler serves the run coordinator over NATS request/reply.
package natshandler

import (
	"context"
	"encoding/json"
	"time"

	"edusandbox/executor"
	"edusandbox/model"

	compilergrpc "github.com/lijuuu/GlobalProtoXcode/Compiler"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectExecute = "sandbox.execute.request"
	SubjectRestart = "sandbox.restart.request"
	// SubjectEvents is suffixed with the run's correlation id.
	SubjectEvents = "sandbox.events."
)

// Publisher is the part of *nats.Conn the handler needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Executor runs requests to completion and restarts the context.
type Executor interface {
	Execute(ctx context.Context, req model.ExecutionRequest, observe executor.MessageHandler) *model.ExecutionResponse
	Cancel()
}

type Handler struct {
	pub     Publisher
	exec    Executor
	logger  *zap.Logger
	timeout time.Duration
}

// NewHandler creates a handler. A zero timeout lets runs go unbounded.
func NewHandler(pub Publisher, exec Executor, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pub: pub, exec: exec, logger: logger, timeout: timeout}
}

// Subscribe registers the handler's subjects on nc.
func (h *Handler) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for subject, fn := range map[string]nats.MsgHandler{
		SubjectExecute: h.HandleExecuteRequest,
		SubjectRestart: h.HandleRestartRequest,
	} {
		sub, err := nc.Subscribe(subject, fn)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (h *Handler) HandleExecuteRequest(msg *nats.Msg) {
	var req model.ExecutionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("Failed to parse execution request", zap.Error(err))
		h.reply(msg, &compilergrpc.CompileResponse{
			Success:       false,
			Error:         err.Error(),
			StatusMessage: "Invalid Request Format",
		})
		return
	}

	ctx := context.Background()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res := h.exec.Execute(ctx, req, h.publishEvent)
	h.logger.Info("execution finished",
		zap.String("messageId", res.MessageID),
		zap.Bool("success", res.Success),
		zap.String("status", res.StatusMessage))
	h.reply(msg, ToCompileResponse(res))
}

func (h *Handler) HandleRestartRequest(msg *nats.Msg) {
	h.exec.Cancel()
	h.reply(msg, &compilergrpc.CompileResponse{Success: true, StatusMessage: "Execution context restarted"})
}

// publishEvent forwards a result message to its per-run events subject.
func (h *Handler) publishEvent(m model.Message) {
	data, err := model.EncodeMessage(m)
	if err != nil {
		h.logger.Warn("dropping unencodable event", zap.Error(err))
		return
	}
	if err := h.pub.Publish(SubjectEvents+m.MessageID, data); err != nil {
		h.logger.Warn("failed to publish event", zap.String("messageId", m.MessageID), zap.Error(err))
	}
}

func (h *Handler) reply(msg *nats.Msg, res *compilergrpc.CompileResponse) {
	if msg.Reply == "" {
		return
	}
	resData, err := json.Marshal(res)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := h.pub.Publish(msg.Reply, resData); err != nil {
		h.logger.Error("Failed to publish response", zap.Error(err))
	}
}

// ToCompileResponse maps a run result onto the shared reply type. Images
// travel on the events subject only.
func ToCompileResponse(res *model.ExecutionResponse) *compilergrpc.CompileResponse {
	return &compilergrpc.CompileResponse{
		Success:       res.Success,
		Output:        res.Output,
		Error:         res.Error,
		StatusMessage: res.StatusMessage,
		ExecutionTime: res.ExecutionTime,
	}
}
