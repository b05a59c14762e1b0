package remote

import "encoding/json"

// Wire shapes of the agent query protocol. One websocket connection carries
// one or more request/response exchanges correlated by ID.

type QueryRequest struct {
	ID   string          `json:"id"`
	Task string          `json:"task"`
	Args json.RawMessage `json:"args,omitempty"`
}

type QueryResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
