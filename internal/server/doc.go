// Package server hosts the Fiber HTTP front-end of the image pipeline: the
// request middleware chain (recover, request id) and the /-/images lookup
// handler. Operational endpoints (/-/preload, /-/stats) live in the routes
// subpackage so the core router keeps a narrow surface and explicit
// dependencies.
package server
