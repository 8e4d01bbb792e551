package mcp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// notifyTimeout bounds how long an async run is watched for completion.
const notifyTimeout = time.Hour

// handleRun executes a workflow, synchronously unless async is set.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := s.workflowArg(req)
	if errResult != nil {
		return errResult, nil
	}
	ent, errResult := s.entityArg(req.GetString("entity_id", ""))
	if errResult != nil {
		return errResult, nil
	}
	agentID := req.GetString("agent_id", "")
	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	runReq := engine.Request{
		Workflow: def,
		Entity:   ent,
		Input:    mcp.ParseStringMap(req, "input", nil),
	}

	if !req.GetBool("async", false) {
		// A failed run still carries a result worth returning.
		result, err := s.executor.Run(ctx, runReq)
		if result == nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", err)), nil
		}
		return marshalResult(result)
	}

	runID, err := s.executor.Start(ctx, runReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow start failed: %v", err)), nil
	}
	if agentID != "" {
		go s.notifyWhenDone(agentID, runID)
	}
	return marshalResult(map[string]any{"run_id": runID, "async": true})
}

// notifyWhenDone pushes the outcome of an async run to the agent that started it.
func (s *Server) notifyWhenDone(agentID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	payload := map[string]any{"run_id": runID}
	result, err := s.executor.Wait(ctx, runID)
	if result == nil {
		payload["error"] = fmt.Sprint(err)
	} else {
		payload["status"] = result.Status
		payload["output"] = result.Output
		if result.Error != nil {
			payload["error"] = result.Error.Error()
		}
	}
	if nerr := s.notifier.Notify(ctx, agentID, payload); nerr != nil {
		s.logger.Warn("run notification failed",
			"run_id", runID,
			"agent_id", agentID,
			"error", nerr,
		)
	}
}

// handleStatus returns the current state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	status, err := s.executor.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	if !req.GetBool("diagram", false) {
		return marshalResult(status)
	}
	model, err := diagram.FromSnapshot(status.Snapshot, status.Steps)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram failed: %v", err)), nil
	}
	return marshalResult(struct {
		*engine.RunStatus
		Diagram string `json:"diagram"`
	}{status, diagram.RenderMermaid(model)})
}

// handleList lists persisted runs.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	sf := store.SnapshotFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if v, ok := filter["status"].(string); ok {
		sf.Status = schema.WorkflowStatus(v)
	}
	if v, ok := filter["workflow"].(string); ok {
		sf.WorkflowName = v
	}
	if v, ok := filter["entity_id"].(string); ok {
		sf.EntityID = v
	}
	if v, ok := filter["parent_run_id"].(string); ok {
		sf.ParentRunID = v
	}
	if v, ok := filter["top_level"].(bool); ok {
		sf.TopLevel = v
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: %v", since, err)), nil
		}
		sf.Since = &t
	}

	runs, err := s.executor.List(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.executor.Cancel(ctx, runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleResume continues an interrupted run.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	ent, errResult := s.entityArg(req.GetString("entity_id", ""))
	if errResult != nil {
		return errResult, nil
	}
	result, err := s.executor.Resume(ctx, runID, ent)
	if result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleValidate reports every structural and semantic issue of a workflow.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, errResult := workflowDoc(req)
	if errResult != nil {
		return errResult, nil
	}
	def, result := s.validator.ValidateDocument(doc)
	out := map[string]any{"valid": result.Valid(), "errors": result.Errors, "warnings": result.Warnings}
	if def != nil {
		out["name"] = def.Name
	}
	return marshalResult(out)
}

// handleTypes lists the step types the registry resolves.
func (s *Server) handleTypes(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("no step registry configured"), nil
	}
	return marshalResult(map[string]any{"types": s.registry.List()})
}

// handleTriggers lists sensors and policies, firing one first when asked.
func (s *Server) handleTriggers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.triggers == nil {
		return mcp.NewToolResultError("no scheduler configured"), nil
	}
	out := map[string]any{}
	if id := req.GetString("fire", ""); id != "" {
		outcome, err := s.triggers.Fire(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fire failed: %v", err)), nil
		}
		out["fired"] = id
		out["outcome"] = outcome
	}
	out["triggers"] = s.triggers.List()
	return marshalResult(out)
}

// --- Internal helpers ---

// workflowDoc reads the workflow argument, as an object or as YAML text.
func workflowDoc(req mcp.CallToolRequest) (map[string]any, *mcp.CallToolResult) {
	if doc := mcp.ParseStringMap(req, "workflow", nil); doc != nil {
		return doc, nil
	}
	text := req.GetString("workflow_yaml", "")
	if text == "" {
		return nil, mcp.NewToolResultError("workflow or workflow_yaml is required")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow yaml: %v", err))
	}
	if doc == nil {
		return nil, mcp.NewToolResultError("workflow_yaml is empty")
	}
	return doc, nil
}

// workflowArg decodes and validates the workflow argument.
func (s *Server) workflowArg(req mcp.CallToolRequest) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	doc, errResult := workflowDoc(req)
	if errResult != nil {
		return nil, errResult
	}
	def, result := s.validator.ValidateDocument(doc)
	if !result.Valid() {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", result.ToError()))
	}
	return def, nil
}

func (s *Server) entityArg(id string) (entity.Entity, *mcp.CallToolResult) {
	if id == "" {
		return nil, nil
	}
	if s.entities == nil {
		return nil, mcp.NewToolResultError("no entities are loaded")
	}
	ent := s.entities.Find(id)
	if ent == nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("entity %q not found", id))
	}
	return ent, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
