package protocol

const (
	// CurrentProtocolVersion is the MCP revision this server implements.
	CurrentProtocolVersion = "2025-03-26"
	// OldProtocolVersion is an older revision accepted for compatibility.
	OldProtocolVersion = "2024-11-05"
)

// JSON-RPC method names recognized by the protocol handler.
const (
	MethodInitialize = "initialize"
	MethodShutdown   = "shutdown"
	MethodPing       = "ping"

	// MethodInitialized is the client notification acknowledging the
	// initialize handshake.
	MethodInitialized = "notifications/initialized"

	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"

	MethodListResources     = "resources/list"
	MethodReadResource      = "resources/read"
	MethodSubscribeResource = "resources/subscribe"

	MethodListPrompts = "prompts/list"
	MethodGetPrompt   = "prompts/get"

	// MethodCancelRequest is a client notification marking an outstanding
	// request id for cancellation.
	MethodCancelRequest = "$/cancelRequest"
)

// MCP notification types. The wire method is "notifications/<type>".
const (
	NotifyToolsListChanged     = "tools/list_changed"
	NotifyResourcesListChanged = "resources/list_changed"
	NotifyResourceUpdated      = "resources/updated"
	NotifyPromptsListChanged   = "prompts/list_changed"
	NotifyLoggingMessage       = "logging/message"
	NotifyProgress             = "progress"
)

// NotificationMethod returns the JSON-RPC method name for a notification type.
func NotificationMethod(typ string) string {
	return "notifications/" + typ
}
