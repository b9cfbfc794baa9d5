// Package main provides the entry point for the site crawler CLI.
//
// Usage:
//
//	crawler [seed-url...]
//	crawler --env-file ./prod.env --debug
//
// Configuration is read from the environment; see internal/config.
package main

func main() {
	Execute()
}
