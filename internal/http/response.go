package http

const (
	statusOK    = "ok"
	statusError = "error"
)

// Response is the envelope every endpoint returns. Key and Value are
// filled by the key endpoints, Applied by the batch endpoint, Error
// only on failure.
type Response struct {
	Status  string `json:"status"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Applied int    `json:"applied,omitempty"`
	Error   string `json:"error,omitempty"`
}

func okResponse() Response {
	return Response{Status: statusOK}
}

func keyResponse(key, value string) Response {
	return Response{Status: statusOK, Key: key, Value: value}
}

func appliedResponse(n int) Response {
	return Response{Status: statusOK, Applied: n}
}

func errorResponse(msg string) Response {
	return Response{Status: statusError, Error: msg}
}
