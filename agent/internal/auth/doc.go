// Package auth guards the agent's operator endpoints with an API key.
//
// APIKeyInterceptor and APIKeyStreamInterceptor protect the gRPC health
// service; APIKeyMiddleware protects the manual update route of the REST API.
// All three are pass-through when mode is not "apikey" or the key is empty,
// which is how local development runs with auth disabled.
package auth
