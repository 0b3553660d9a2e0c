package identity

import (
	"net/url"

	"github.com/google/uuid"
)

// InputFromValues builds an Input from request query values. Both the
// HTTP library surface and the websocket handshake accept the same
// parameter names.
func InputFromValues(q url.Values) Input {
	in := Input{
		DeviceID:   q.Get("device_id"),
		Email:      q.Get("email"),
		ExternalID: q.Get("external_id"),
		CurrentURL: q.Get("current_url"),
		OS:         q.Get("os"),
		OSVersion:  q.Get("os_version"),
		DeviceType: q.Get("device_type"),
	}
	for _, name := range []string{"user_id", "id"} {
		if id, err := uuid.Parse(q.Get(name)); err == nil {
			in.UserID = id
			break
		}
	}
	return in
}
