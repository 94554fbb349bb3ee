// Package rpc exposes the remote control-plane named for gRPC: submit a
// turn, stream its events, and send the cancellation signal (spec.md §5).
// Adapted from interfaces/agentgrpc.Server — same bare *grpc.Server shell
// (no .proto/codegen is present anywhere in the retrieval pack either, so
// the teacher's own gRPC surface is pre-codegen; this mirrors that scope
// exactly) with ExecuteTurn exposed directly for an eventual service
// registration once a .proto is authored.
package rpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/scheduler"
	"github.com/ngoclaw/gro/pkg/safego"
)

// Server wraps a grpc.Server driving one scheduler.
type Server struct {
	sched        *scheduler.Scheduler
	mem          *memory.Memory
	systemPrompt string
	logger       *zap.Logger
	server       *grpc.Server
	port         int
}

// NewServer builds a server bound to port, targeting sched/mem.
func NewServer(sched *scheduler.Scheduler, mem *memory.Memory, systemPrompt string, port int, logger *zap.Logger) *Server {
	return &Server{
		sched:        sched,
		mem:          mem,
		systemPrompt: systemPrompt,
		logger:       logger.With(zap.String("component", "rpc")),
		port:         port,
	}
}

// Start opens the listener and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}

	s.server = grpc.NewServer()
	// Register would happen here once a .proto is generated:
	// pb.RegisterSchedulerServiceServer(s.server, s)

	s.logger.Info("starting rpc server", zap.Int("port", s.port))
	safego.Go(s.logger, "rpc-serve", func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("rpc server failed", zap.Error(err))
		}
	})
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// TurnRequest is the inbound request for the (future) ExecuteTurn RPC.
type TurnRequest struct {
	Message      string
	SystemPrompt string
	SessionID    string
}

// TurnEvent is one streamed event of the (future) ExecuteTurn RPC response.
type TurnEvent struct {
	Type   string
	Status string
	Text   string
}

// ExecuteTurn runs one scheduler turn and streams its outcome back via
// sendEvent, the logic a generated service method will call once a .proto
// exists — the same pre-codegen shape the teacher's ExecuteAgent used.
func (s *Server) ExecuteTurn(ctx context.Context, req *TurnRequest, sendEvent func(*TurnEvent) error) error {
	if req.Message == "" {
		return status.Error(codes.InvalidArgument, "message is required")
	}

	s.logger.Info("rpc ExecuteTurn", zap.String("session", req.SessionID))

	if err := s.mem.Add(ctx, entity.Message{Role: entity.RoleUser, Content: req.Message}); err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = s.systemPrompt
	}
	outcome := s.sched.RunSession(ctx, systemPrompt)

	return sendEvent(&TurnEvent{Type: "done", Status: string(outcome.Status), Text: outcome.FinalText})
}
