//go:generate go run go.uber.org/mock/mockgen -source=auth.go -destination=../../internal/mocks/mock_auth.go -package=mocks
package interfaces

import "litepost/pkg/types"

// TokenVerifier turns a bearer credential into a principal.
type TokenVerifier interface {
	Verify(token string) (*types.Principal, error)
}
