package pypi

import "fmt"

type ErrorHTTPRequest struct {
	Body   []byte
	Status int
}

func (e *ErrorHTTPRequest) Error() string {
	const maxBodyLen = 256

	body := e.Body
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen]
	}

	return fmt.Sprintf("http request failed with StatusCode: %d, response: %q", e.Status, string(body))
}
