package clientauth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Config configures a Resolver.
type Config struct {
	// Methods is the enabled subset of CanonicalOrder. Order here is
	// irrelevant; precedence is always canonical.
	Methods []Method

	// SecretResolver supplies the expected shared secret for
	// client_secret_jwt. Required when that method is enabled.
	SecretResolver SecretResolver

	// KeyResolver supplies the expected public key for private_key_jwt.
	// Required when that method is enabled.
	KeyResolver KeyResolver

	// SecretAlgorithms whitelists client_secret_jwt algorithms.
	// Defaults to DefaultSecretAlgorithms.
	SecretAlgorithms []string

	// KeyAlgorithms whitelists private_key_jwt algorithms.
	// Defaults to DefaultKeyAlgorithms.
	KeyAlgorithms []string

	// Logger receives debug-level method negotiation decisions.
	Logger *slog.Logger
}

// Resolver negotiates the client authentication method for a request. It is
// immutable after construction and safe for concurrent use.
type Resolver struct {
	order            []Method // canonical order filtered to enabled methods
	secretResolver   SecretResolver
	keyResolver      KeyResolver
	secretAlgorithms []string
	keyAlgorithms    []string
	logger           *slog.Logger
}

// NewResolver validates the configuration and builds a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if len(cfg.Methods) == 0 {
		return nil, fmt.Errorf("at least one client authentication method is required")
	}
	for _, m := range cfg.Methods {
		if !slices.Contains(CanonicalOrder, m) {
			return nil, fmt.Errorf("unknown client authentication method: %q", m)
		}
	}
	if slices.Contains(cfg.Methods, MethodClientSecretJWT) && cfg.SecretResolver == nil {
		return nil, fmt.Errorf("client_secret_jwt requires a SecretResolver")
	}
	if slices.Contains(cfg.Methods, MethodPrivateKeyJWT) && cfg.KeyResolver == nil {
		return nil, fmt.Errorf("private_key_jwt requires a KeyResolver")
	}

	order := make([]Method, 0, len(cfg.Methods))
	for _, m := range CanonicalOrder {
		if slices.Contains(cfg.Methods, m) {
			order = append(order, m)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Resolver{
		order:            order,
		secretResolver:   cfg.SecretResolver,
		keyResolver:      cfg.KeyResolver,
		secretAlgorithms: cfg.SecretAlgorithms,
		keyAlgorithms:    cfg.KeyAlgorithms,
		logger:           logger,
	}
	if len(r.secretAlgorithms) == 0 {
		r.secretAlgorithms = DefaultSecretAlgorithms
	}
	if len(r.keyAlgorithms) == 0 {
		r.keyAlgorithms = DefaultKeyAlgorithms
	}
	return r, nil
}

// Methods returns the enabled methods in canonical precedence order.
func (r *Resolver) Methods() []Method {
	return slices.Clone(r.order)
}

// Resolve tries each enabled method in canonical order and returns the
// identity extracted by the first method that claims the request. Once a
// method claims the request no later method is tried, even if the claiming
// method then fails: a claimed request with a missing required secret is a
// *MissingSecretError, and a claimed request with no client id is a
// *MissingClientIDError. If nothing claims the request, ErrNoMatch.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	for _, method := range r.order {
		var p params
		var err error

		switch method {
		case MethodClientSecretBasic:
			p, err = extractBasic(ctx, req)
		case MethodClientSecretPost:
			p, err = extractPost(ctx, req)
		case MethodClientSecretJWT, MethodPrivateKeyJWT:
			p, err = r.extractAssertion(ctx, req, method)
		case MethodNone:
			p, err = extractNone(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		if !p.hasAuthMethod {
			continue
		}

		if p.clientID == "" {
			return nil, &MissingClientIDError{Method: method}
		}
		if p.clientSecret == "" && !p.secretOptional {
			return nil, &MissingSecretError{Method: method}
		}

		r.logger.Debug("client authentication method selected",
			"method", method, "client_id", p.clientID)

		return &Result{
			ClientID:     p.clientID,
			ClientSecret: p.clientSecret,
			Method:       method,
		}, nil
	}

	return nil, fmt.Errorf("%w (%s)", ErrNoMatch, DescribeSupported(r.order))
}
