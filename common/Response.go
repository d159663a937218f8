package common

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers a Command. Exactly one of Payload and Err is set.
type Response struct {
	Payload interface{} `json:"payload,omitempty"`
	Err     *Error      `json:"error,omitempty"`
}
