// Package companies registers the built-in portal definitions with the core
// registry. Import this package to ensure all companies are registered.
package companies

// Each company file uses init() to register its definition.
