// Package server exposes the webhook receiver over HTTP.
//
// Routes:
//   - GET / and GET /health: liveness, project count and worker counters
//   - POST /webhook/{branch}: signed push events; deployments only run for
//     the deployable branch
//   - GET /status/{project}: latest and recent deployments from history
//
// The webhook handler only authenticates, interprets and queues. It answers
// 202 before any deployment or notification work starts, so the sender never
// waits on a deploy script. Per-IP rate limits apply to every route, with a
// tighter one on the webhook route.
package server
