package identity

import (
	"net/url"
	"testing"

	"github.com/google/uuid"
)

func TestInputFromValues(t *testing.T) {
	q := url.Values{
		"device_id":  {"dev-1"},
		"email":      {"a@example.com"},
		"os":         {"linux"},
		"os_version": {"6.1"},
	}
	in := InputFromValues(q)
	if in.DeviceID != "dev-1" || in.Email != "a@example.com" {
		t.Errorf("identifiers not read: %+v", in)
	}
	if in.OS != "linux" || in.OSVersion != "6.1" {
		t.Errorf("metadata not read: %+v", in)
	}
	if in.UserID != uuid.Nil {
		t.Errorf("unexpected user id %s", in.UserID)
	}
}

func TestInputFromValues_UserIDAliases(t *testing.T) {
	id := uuid.New()

	in := InputFromValues(url.Values{"user_id": {id.String()}})
	if in.UserID != id {
		t.Errorf("user_id not read: %s", in.UserID)
	}

	in = InputFromValues(url.Values{"id": {id.String()}})
	if in.UserID != id {
		t.Errorf("id alias not read: %s", in.UserID)
	}

	// user_id wins when both parse.
	other := uuid.New()
	in = InputFromValues(url.Values{"user_id": {id.String()}, "id": {other.String()}})
	if in.UserID != id {
		t.Errorf("user_id should take precedence, got %s", in.UserID)
	}
}

func TestInputFromValues_FallsPastUnparsableUserID(t *testing.T) {
	id := uuid.New()
	in := InputFromValues(url.Values{"user_id": {"not-a-uuid"}, "id": {id.String()}})
	if in.UserID != id {
		t.Errorf("valid id ignored after bad user_id, got %s", in.UserID)
	}
}
