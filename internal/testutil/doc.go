// Package testutil provides testing utilities and fixtures shared by the
// authorization server packages: a controllable clock, PKCE pairs, a
// signing key and small HTTP request helpers.
package testutil
