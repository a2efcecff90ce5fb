package protocol

import "fmt"

// ProtocolError is returned when the bytes on the wire are not valid RESP.
// Once one is seen the stream is out of sync and the connection should be
// dropped.
type ProtocolError struct {
	Message string
	Data    []byte
}

func newProtocolError(msg string, data []byte) *ProtocolError {
	return &ProtocolError{
		Message: msg,
		Data:    append([]byte{}, data...),
	}
}

func (e *ProtocolError) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("protocol error: %s", e.Message)
	}

	return fmt.Sprintf("protocol error: %s: %q", e.Message, e.Data)
}
