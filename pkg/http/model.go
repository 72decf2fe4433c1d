package http

// APIResponse is the envelope of every JSON response. Status repeats the HTTP status.
type APIResponse struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string                 `json:"code,omitempty"`
	Field   string                 `json:"field,omitempty"`
	Message string                 `json:"message,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type ListDataResponse struct {
	Rows  interface{} `json:"rows"`
	Total int64       `json:"total"`
}
