package mcp

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"Xinyu/server/internal/engine"
	"Xinyu/server/internal/models"
)

type SubmitTurnInput struct {
	CharacterID string `json:"character_id" jsonschema:"character to talk to"`
	Input       string `json:"input" jsonschema:"player dialogue; wrap in *...*, （...） or (...) for action or narration"`
}

type CharacterInput struct {
	CharacterID string `json:"character_id" jsonschema:"character id"`
}

type ListTurnsInput struct {
	CharacterID string `json:"character_id" jsonschema:"character id"`
	Limit       int    `json:"limit,omitempty" jsonschema:"only return the most recent turns"`
}

type TurnOutput struct {
	Speaker string `json:"speaker"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
}

type SubmitTurnOutput struct {
	Narrative string `json:"narrative"`
	TurnCount int    `json:"turn_count"`
}

type RelationshipOutput struct {
	Value      int    `json:"value"`
	Stage      string `json:"stage"`
	StageLabel string `json:"stage_label"`
	Descriptor string `json:"descriptor"`
}

type SceneStatusOutput struct {
	Statuses []models.SceneStatus `json:"statuses"`
	Stale    bool                 `json:"stale"`
}

type ListTurnsOutput struct {
	Turns []TurnOutput `json:"turns"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "submit_turn",
		Description: "Send one player turn to a character and return the narrative continuation",
	}, s.handleSubmitTurn)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "regenerate",
		Description: "Produce a new narrator turn for the current transcript",
	}, s.handleRegenerate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_relationship",
		Description: "Return the favor value, stage and descriptor for a character",
	}, s.handleGetRelationship)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_scene_status",
		Description: "Return the status of every character present in the current scene",
	}, s.handleGetSceneStatus)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_turns",
		Description: "List the transcript of a character",
	}, s.handleListTurns)
}

func requireCharacter(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("character_id is required")
	}
	return nil
}

func submitOutput(res *engine.TurnResult) SubmitTurnOutput {
	return SubmitTurnOutput{Narrative: res.NarratorTurn.Text, TurnCount: res.TurnCount}
}

func (s *Server) handleSubmitTurn(ctx context.Context, req *sdk.CallToolRequest, input SubmitTurnInput) (*sdk.CallToolResult, SubmitTurnOutput, error) {
	if err := requireCharacter(input.CharacterID); err != nil {
		return nil, SubmitTurnOutput{}, err
	}
	res, err := s.narrator.SubmitTurn(ctx, input.CharacterID, input.Input)
	if err != nil {
		return nil, SubmitTurnOutput{}, err
	}
	return nil, submitOutput(res), nil
}

func (s *Server) handleRegenerate(ctx context.Context, req *sdk.CallToolRequest, input CharacterInput) (*sdk.CallToolResult, SubmitTurnOutput, error) {
	if err := requireCharacter(input.CharacterID); err != nil {
		return nil, SubmitTurnOutput{}, err
	}
	res, err := s.narrator.Regenerate(ctx, input.CharacterID)
	if err != nil {
		return nil, SubmitTurnOutput{}, err
	}
	return nil, submitOutput(res), nil
}

func (s *Server) handleGetRelationship(ctx context.Context, req *sdk.CallToolRequest, input CharacterInput) (*sdk.CallToolResult, RelationshipOutput, error) {
	if err := requireCharacter(input.CharacterID); err != nil {
		return nil, RelationshipOutput{}, err
	}
	view, err := s.narrator.Favor(ctx, input.CharacterID)
	if err != nil {
		return nil, RelationshipOutput{}, err
	}
	return nil, RelationshipOutput{
		Value:      view.Value,
		Stage:      view.Stage,
		StageLabel: view.StageLabel,
		Descriptor: view.Descriptor,
	}, nil
}

func (s *Server) handleGetSceneStatus(ctx context.Context, req *sdk.CallToolRequest, input CharacterInput) (*sdk.CallToolResult, SceneStatusOutput, error) {
	if err := requireCharacter(input.CharacterID); err != nil {
		return nil, SceneStatusOutput{}, err
	}
	snap, err := s.scenes.Status(ctx, input.CharacterID)
	if err != nil {
		return nil, SceneStatusOutput{}, err
	}
	statuses := snap.Statuses
	if statuses == nil {
		statuses = []models.SceneStatus{}
	}
	return nil, SceneStatusOutput{Statuses: statuses, Stale: snap.Stale}, nil
}

func (s *Server) handleListTurns(ctx context.Context, req *sdk.CallToolRequest, input ListTurnsInput) (*sdk.CallToolResult, ListTurnsOutput, error) {
	if err := requireCharacter(input.CharacterID); err != nil {
		return nil, ListTurnsOutput{}, err
	}
	turns, err := s.narrator.Transcript(ctx, input.CharacterID)
	if err != nil {
		return nil, ListTurnsOutput{}, err
	}
	if input.Limit > 0 && len(turns) > input.Limit {
		turns = turns[len(turns)-input.Limit:]
	}

	output := make([]TurnOutput, 0, len(turns))
	for _, t := range turns {
		output = append(output, TurnOutput{Speaker: string(t.From), Kind: string(t.Kind), Text: t.Text})
	}
	return nil, ListTurnsOutput{Turns: output}, nil
}
