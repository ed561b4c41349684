package oauthkit

import (
	"github.com/velumlabs/oauthkit/flow"
	"github.com/velumlabs/oauthkit/oautherr"
)

// Aliases so embedding applications can work with the composed surface
// without importing every subpackage.
type (
	// Flow is a composable grant engine.
	Flow = flow.Flow

	// TokenRequest is a decoded token-endpoint request.
	TokenRequest = flow.TokenRequest

	// TokenResponse is a successful token-endpoint response body.
	TokenResponse = flow.TokenResponse

	// Error is the wire-format OAuth error.
	Error = oautherr.Error
)
