// Package identity implements authentication for the marketplace API.
//
// It provides:
//   - KeyStore          loads or creates the RSA token-signing key on disk
//   - TokenIssuer       issues and verifies RS256 user and admin tokens
//   - JWKSProvider      publishes the signing key for external verifiers
//   - RequireUserToken  Gin middleware enforcing a Bearer user token
//   - RequireAdmin      Gin middleware enforcing an admin token
//   - HashSecret        bcrypt hashing for the admin exchange secret
package identity
