package protocol

// Resource is the metadata a 'resources/list' entry exposes. URI may be a
// concrete identifier or a URI template such as "scheme://path/{id}".
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesParams are the parameters of a 'resources/list' request.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult is the payload of a 'resources/list' response.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams are the parameters of a 'resources/read' request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one content part of a read resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the payload of a 'resources/read' response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeResourceParams are the parameters of a 'resources/subscribe'
// request.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// SubscribeResourceResult is the (empty) payload of a successful
// 'resources/subscribe' response.
type SubscribeResourceResult struct{}

// ResourceUpdatedParams are the parameters of the 'resources/updated'
// notification type.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}
