// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter calls
// so every endpoint shares one JSON envelope and never leaks internal errors.
package httputil
