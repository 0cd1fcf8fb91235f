package mcp

import (
	"context"
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"Xinyu/server/internal/engine"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/snapshot"
)

// Narrator is the slice of the narrative engine the tools drive.
type Narrator interface {
	SubmitTurn(ctx context.Context, characterID, input string) (*engine.TurnResult, error)
	Regenerate(ctx context.Context, characterID string) (*engine.TurnResult, error)
	Transcript(ctx context.Context, characterID string) ([]models.Turn, error)
	Favor(ctx context.Context, characterID string) (*engine.FavorView, error)
}

type SceneReader interface {
	Status(ctx context.Context, characterID string) (*snapshot.Snapshot, error)
}

type Server struct {
	narrator Narrator
	scenes   SceneReader
	logger   *slog.Logger
	mcp      *sdk.Server
}

func NewServer(narrator Narrator, scenes SceneReader, version string, logger *slog.Logger) *Server {
	s := &Server{
		narrator: narrator,
		scenes:   scenes,
		logger:   logging.OrDiscard(logger).With("component", "mcp"),
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "xinyu",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	s.logger.Info("mcp server starting")
	return s.mcp.Run(ctx, transport)
}
