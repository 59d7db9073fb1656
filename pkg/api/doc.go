/*
Package api implements the HTTP router and handlers a running tsimd server
exposes to browsers and other HTTP clients: login/logout, run submission,
progress polling and streaming, PDF retrieval, run cancellation, and
admin-only queue inspection.

Server follows the stdlib net/http.ServeMux shape: ServerOptions with
timeout defaults, routes registered against a mux in the constructor, a
background Start, and a context-bounded graceful Stop.

All successful JSON responses return {"success": true, ...}; failures
return an HTTP status plus {"success": false, "message": "..."}, mapped
from pkg/apierr's closed taxonomy by statusFor.
*/
package api
