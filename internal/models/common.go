package models

// APIMessage is the plain acknowledgement body returned by mutating endpoints
type APIMessage struct {
	Message string `json:"message,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

// ErrorBody is the FastAPI error payload
type ErrorBody struct {
	Detail string `json:"detail"`
}
