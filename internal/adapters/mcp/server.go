package mcpadapter

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/patient-record-assistant/internal/core/ports"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Server exposes the question answering pipeline as MCP tools.
type Server struct {
	answerer ports.PatientQuestionAnswerer
	analyzer ports.QuestionAnalyzer
	mcp      *server.MCPServer
}

func NewServer(answerer ports.PatientQuestionAnswerer, analyzer ports.QuestionAnalyzer) *Server {
	s := &Server{
		answerer: answerer,
		analyzer: analyzer,
	}
	s.mcp = server.NewMCPServer(
		"patient-record-assistant",
		Version,
		server.WithToolCapabilities(false),
	)
	s.mcp.AddTool(askPatientQuestionTool, s.handleAskPatientQuestion)
	s.mcp.AddTool(analyzeQuestionTool, s.handleAnalyzeQuestion)
	return s
}

// Serve runs on stdio. Stdout carries protocol messages; log to stderr only.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
