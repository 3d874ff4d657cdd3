package cloud

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Provider issues instance requests against a compute platform. Bulk calls
// either succeed for every instance or return the first failure.
type Provider interface {
	Instances(ctx context.Context, filter string, maxResults int64) ([]*Instance, error)
	BulkInsert(ctx context.Context, instances []*Instance) error
	BulkDelete(ctx context.Context, instances []*Instance) error
}

type Instance struct {
	Name   string
	Status string
}

// Factory builds a Provider acting for one user on one project.
type Factory func(ctx context.Context, ts oauth2.TokenSource, project string) (Provider, error)

// TokenError reports credentials the provider rejected and that can not be
// refreshed without the user.
type TokenError struct {
	Err error
}

func (e *TokenError) Error() string {
	return e.Err.Error()
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// failingTokenSource reports every credential failure as a TokenError.
type failingTokenSource struct {
	src oauth2.TokenSource
}

func (f failingTokenSource) Token() (*oauth2.Token, error) {
	token, err := f.src.Token()

	if err != nil {
		return nil, &TokenError{Err: err}
	}

	return token, nil
}

func IsTokenError(err error) bool {
	var tokenErr *TokenError
	return errors.As(err, &tokenErr)
}
