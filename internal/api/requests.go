package api

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"litepost/pkg/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("eventid", func(fl validator.FieldLevel) bool {
		return types.IsValidEventID(fl.Field().String())
	})
	return v
}

type CreateUserRequest struct {
	Username string `json:"username" validate:"required,alphanum,max=32"`
	Name     string `json:"name" validate:"max=128"`
	Email    string `json:"email" validate:"required,email"`
}

type CreateEventRequest struct {
	// ID is optional; a random identifier is used when empty.
	ID    string `json:"id" validate:"omitempty,eventid"`
	Title string `json:"title" validate:"required,max=200"`
}

type MessageRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type GroupStat struct {
	EventID string `json:"eventId"`
	Viewers int    `json:"viewers"`
}

type StatsResponse struct {
	Connections map[string]int `json:"connections"`
	Groups      []GroupStat    `json:"groups"`
}

type EventResponse struct {
	*types.Event
	Viewers int `json:"viewers"`
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}
