// Package oauthkit is an embeddable OAuth2/OpenID-Connect authorization-
// server engine. It composes grant-flow state machines (authorization code
// with PKCE, client credentials, and device authorization) behind a single
// token endpoint, a single signing-key lifecycle, and a single merged
// discovery document.
//
// The engine owns protocol correctness: precedence-ordered client
// authentication, PKCE verification, kid-bound JWT signing with rotation
// and verification continuity, device-code polling semantics, and
// collision-free discovery merging. Everything else is injected: the HTTP
// server, the login and consent UI, and persistence all arrive through the
// narrow interfaces in the storage package and the flow package's handler
// hooks.
//
// A minimal composition:
//
//	store := memory.New()
//	authority, _ := keys.NewAuthority(store)
//	acf, _ := flow.NewAuthorizationCodeFlow(authority,
//		flow.WithIssuer("https://issuer.example.com"),
//		flow.WithCodeStore(store),
//		flow.WithAuthorizeHandler(loginHandler),
//	)
//	composer, _ := oauthkit.NewComposer(authority,
//		oauthkit.WithIssuer("https://issuer.example.com"),
//		oauthkit.WithFlows(acf),
//	)
//	handler := oauthkit.NewHandler(composer, nil)
//	handler.Mount(oauthkit.NewMuxRegistrar(mux))
package oauthkit
