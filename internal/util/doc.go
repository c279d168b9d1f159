// Package util holds small string helpers shared by the server, the verifier
// and the stores: log-safe truncation, URL normalisation for audience
// comparison, and scope-list handling.
package util
