package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/registry"
	"github.com/localserve/mcpd/util/schema"
)

// defaultPageSize bounds list results per page.
const defaultPageSize = 50

// dispatch routes one validated request to its method handler.
func (s *Server) dispatch(ctx context.Context, sess *Session, req *protocol.Request) (interface{}, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(sess, req)
	case protocol.MethodShutdown:
		sess.shutdown()
		return struct{}{}, nil
	case protocol.MethodPing:
		return struct{}{}, nil

	case protocol.MethodListTools:
		return s.handleListTools(req)
	case protocol.MethodCallTool:
		return s.handleCallTool(ctx, req)

	case protocol.MethodListResources:
		return s.handleListResources(req)
	case protocol.MethodReadResource:
		return s.handleReadResource(ctx, req)
	case protocol.MethodSubscribeResource:
		return s.handleSubscribeResource(req)

	case protocol.MethodListPrompts:
		return s.handleListPrompts(req)
	case protocol.MethodGetPrompt:
		return s.handleGetPrompt(ctx, req)
	}
	return nil, protocol.NewMethodNotFound(req.Method)
}

func (s *Server) handleInitialize(sess *Session, req *protocol.Request) (interface{}, error) {
	if perr := sess.beginInitialize(); perr != nil {
		return nil, perr
	}

	var params protocol.InitializeParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		sess.abortInitialize()
		return nil, protocol.NewInvalidParams(err.Error(), nil)
	}

	version := protocol.NegotiateVersion(params.ProtocolVersion)
	negotiated := protocol.NegotiateCapabilities(params.Capabilities, s.capabilities)
	sess.completeInitialize(version, params.ClientInfo, params.Capabilities, negotiated)

	s.logger.Info("session %s initialized: client=%s/%s protocol=%s",
		sess.ID(), params.ClientInfo.Name, params.ClientInfo.Version, version)

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    negotiated,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleListTools(req *protocol.Request) (interface{}, error) {
	if s.capabilities.Tools == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.ListToolsParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams(err.Error(), nil)
		}
	}

	metas := s.registry.List(registry.KindTool)
	page, next, err := paginate(len(metas), params.Cursor)
	if err != nil {
		return nil, err
	}

	tools := make([]protocol.Tool, 0, page.size())
	for _, meta := range metas[page.from:page.to] {
		tools = append(tools, protocol.Tool{
			Name:        meta.Name,
			Description: meta.Description,
			InputSchema: meta.InputSchema,
		})
	}
	return &protocol.ListToolsResult{Tools: tools, NextCursor: next}, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *protocol.Request) (interface{}, error) {
	if s.capabilities.Tools == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.CallToolParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error(), nil)
	}
	if params.Name == "" {
		return nil, protocol.NewInvalidParams("tool name is required", nil)
	}

	component, meta, ok := s.registry.Get(registry.KindTool, params.Name)
	if !ok {
		return nil, protocol.NewNotFound(fmt.Sprintf("tool %q", params.Name))
	}
	if err := s.checkAuth(ctx, meta, req.Method); err != nil {
		return nil, err
	}

	if len(meta.InputSchema.Properties) > 0 || len(meta.InputSchema.Required) > 0 {
		if verrs := schema.ValidateArguments(meta.InputSchema, params.Arguments); len(verrs) > 0 {
			return nil, protocol.NewInvalidParams("invalid tool arguments",
				map[string]interface{}{"validation_errors": verrs})
		}
	}

	start := time.Now()
	result, err := component.(registry.Callable).Call(ctx, params.Arguments)
	s.emit(events.ToolExecuted, events.RequestProcessedPayload{
		Method:   params.Name,
		Duration: time.Since(start),
		Success:  err == nil,
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, protocol.FromError(ctx.Err())
	}
	return result, nil
}

func (s *Server) handleListResources(req *protocol.Request) (interface{}, error) {
	if s.capabilities.Resources == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.ListResourcesParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams(err.Error(), nil)
		}
	}

	metas := s.registry.List(registry.KindResource)
	page, next, err := paginate(len(metas), params.Cursor)
	if err != nil {
		return nil, err
	}

	resources := make([]protocol.Resource, 0, page.size())
	for _, meta := range metas[page.from:page.to] {
		resources = append(resources, protocol.Resource{
			URI:         meta.URITemplate,
			Name:        meta.Name,
			Description: meta.Description,
			MimeType:    meta.MimeType,
		})
	}
	return &protocol.ListResourcesResult{Resources: resources, NextCursor: next}, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *protocol.Request) (interface{}, error) {
	if s.capabilities.Resources == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.ReadResourceParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error(), nil)
	}
	if params.URI == "" {
		return nil, protocol.NewInvalidParams("resource uri is required", nil)
	}

	component, meta, vars, ok := s.registry.MatchResource(params.URI)
	if !ok {
		return nil, protocol.NewNotFound(fmt.Sprintf("resource %q", params.URI))
	}
	if err := s.checkAuth(ctx, meta, req.Method); err != nil {
		return nil, err
	}

	result, err := component.Read(ctx, params.URI, vars)
	s.emit(events.ResourceAccessed, events.ComponentPayload{Kind: string(registry.KindResource), Name: meta.Name})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, protocol.FromError(ctx.Err())
	}
	return result, nil
}

func (s *Server) handleSubscribeResource(req *protocol.Request) (interface{}, error) {
	if s.capabilities.Resources == nil || !s.capabilities.Resources.Subscribe {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.SubscribeResourceParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error(), nil)
	}

	component, _, _, ok := s.registry.MatchResource(params.URI)
	if !ok {
		return nil, protocol.NewNotFound(fmt.Sprintf("resource %q", params.URI))
	}
	if sub, ok := component.(registry.Subscribable); ok {
		if err := sub.Subscribe(params.URI); err != nil {
			return nil, err
		}
	}
	return &protocol.SubscribeResourceResult{}, nil
}

func (s *Server) handleListPrompts(req *protocol.Request) (interface{}, error) {
	if s.capabilities.Prompts == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.ListPromptsParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams(err.Error(), nil)
		}
	}

	metas := s.registry.List(registry.KindPrompt)
	page, next, err := paginate(len(metas), params.Cursor)
	if err != nil {
		return nil, err
	}

	prompts := make([]protocol.Prompt, 0, page.size())
	for _, meta := range metas[page.from:page.to] {
		prompts = append(prompts, protocol.Prompt{
			Name:        meta.Name,
			Description: meta.Description,
			Arguments:   meta.Arguments,
		})
	}
	return &protocol.ListPromptsResult{Prompts: prompts, NextCursor: next}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, req *protocol.Request) (interface{}, error) {
	if s.capabilities.Prompts == nil {
		return nil, protocol.NewMethodNotFound(req.Method)
	}
	var params protocol.GetPromptParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams(err.Error(), nil)
	}
	if params.Name == "" {
		return nil, protocol.NewInvalidParams("prompt name is required", nil)
	}

	component, meta, ok := s.registry.Get(registry.KindPrompt, params.Name)
	if !ok {
		return nil, protocol.NewNotFound(fmt.Sprintf("prompt %q", params.Name))
	}
	if err := s.checkAuth(ctx, meta, req.Method); err != nil {
		return nil, err
	}

	// Required prompt arguments must be present before rendering.
	for _, arg := range meta.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := params.Arguments[arg.Name]; !ok {
			return nil, protocol.NewInvalidParams(fmt.Sprintf("missing required argument %q", arg.Name), nil)
		}
	}

	result, err := component.(registry.Renderable).Render(ctx, params.Arguments)
	s.emit(events.PromptGenerated, events.ComponentPayload{Kind: string(registry.KindPrompt), Name: meta.Name})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// pageBounds is one resolved pagination window.
type pageBounds struct {
	from, to int
}

func (p pageBounds) size() int { return p.to - p.from }

// paginate resolves an opaque cursor against the current list length. A
// stale cursor beyond the end yields an empty final page, never an error;
// only a cursor that does not decode is rejected.
func paginate(total int, cursor string) (pageBounds, string, error) {
	offset := 0
	if cursor != "" {
		o, err := decodeCursor(cursor)
		if err != nil {
			return pageBounds{}, "", protocol.NewInvalidParams("malformed cursor", nil)
		}
		offset = o
	}
	if offset >= total {
		return pageBounds{from: total, to: total}, "", nil
	}

	end := offset + defaultPageSize
	next := ""
	if end >= total {
		end = total
	} else {
		next = encodeCursor(end)
	}
	return pageBounds{from: offset, to: end}, next, nil
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("o:%d", offset)))
}

func decodeCursor(cursor string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	var offset int
	if _, err := fmt.Sscanf(string(raw), "o:%d", &offset); err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	return offset, nil
}
