package protocol

// Implementation identifies an MCP client or server by name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability advertises tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability advertises resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability advertises prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability advertises log-message notifications.
type LoggingCapability struct{}

// ClientCapabilities describes the features a client supports.
type ClientCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
}

// ServerCapabilities describes the features this server supports.
type ServerCapabilities struct {
	Experimental map[string]interface{} `json:"experimental,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
}

// InitializeParams are the parameters of the 'initialize' request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the payload of a successful 'initialize' response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CancelParams are the parameters of the '$/cancelRequest' notification.
type CancelParams struct {
	ID     interface{} `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

// ProgressParams are the parameters of the 'progress' notification type.
type ProgressParams struct {
	Token   interface{} `json:"token"`
	Value   interface{} `json:"value"`
	Message string      `json:"message,omitempty"`
}

// LoggingMessageParams are the parameters of the 'logging/message'
// notification type.
type LoggingMessageParams struct {
	Level  string      `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// NegotiateVersion picks the protocol version for a session. A requested
// version the server supports is echoed back; anything else falls back to the
// current version.
func NegotiateVersion(requested string) string {
	switch requested {
	case CurrentProtocolVersion, OldProtocolVersion:
		return requested
	}
	return CurrentProtocolVersion
}

// NegotiateCapabilities intersects what the client advertised with what the
// server declares. Capability families the client omitted entirely are still
// offered: omission means "no client-side features", not rejection; only the
// feature flags inside a family are intersected.
func NegotiateCapabilities(client ClientCapabilities, server ServerCapabilities) ServerCapabilities {
	out := ServerCapabilities{}
	if server.Tools != nil {
		out.Tools = &ToolsCapability{ListChanged: server.Tools.ListChanged}
	}
	if server.Resources != nil {
		out.Resources = &ResourcesCapability{
			Subscribe:   server.Resources.Subscribe,
			ListChanged: server.Resources.ListChanged,
		}
	}
	if server.Prompts != nil {
		out.Prompts = &PromptsCapability{ListChanged: server.Prompts.ListChanged}
	}
	if server.Logging != nil {
		out.Logging = &LoggingCapability{}
	}
	return out
}
