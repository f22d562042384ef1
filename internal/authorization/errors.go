package authorization

import (
	"errors"

	"github.com/smallbiznis/autocompta/internal/authctx"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidRole   = errors.New("invalid_role")
	// ErrForbidden is shared with authctx so callers test a single sentinel.
	ErrForbidden = authctx.ErrForbidden
)
