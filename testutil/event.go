package testutil

import "github.com/tautly/eventgrid/event"

// UserCreated is a sample payload used across tests.
type UserCreated struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// NewUserCreatedRecord builds a record carrying a UserCreated payload.
func NewUserCreatedRecord(userID string, opts ...event.Option) (*event.Record, error) {
	payload := UserCreated{UserID: userID, Email: userID + "@example.com"}
	opts = append([]event.Option{event.WithPartitionKey(userID)}, opts...)
	return event.NewRecord("user.created", payload, opts...)
}
