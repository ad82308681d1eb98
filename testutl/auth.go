package testutl

// Service account credentials accepted by FakeChat.
const (
	ServiceUserID    = "svc-roomsync"
	ServiceAuthToken = "testtoken"
)
