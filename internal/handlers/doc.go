// Package handlers implements the broker's HTTP API layer.
//
// Handlers delegate business logic to the services layer and focus on
// request validation, error mapping to HTTP status codes, and model-to-API
// conversion. The error envelope is api/v1.ErrorResponse; the code strings
// are defined in api/v1 so the client can reverse the mapping.
package handlers
