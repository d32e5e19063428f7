// Package main provides the rls command line tool.
//
// The CLI supports:
//   - validate: check a policy configuration file
//   - stats: summarise a configuration file
//   - convert: convert between YAML and JSON
//   - test: evaluate a request against a configuration without a database
//   - serve: run the admin HTTP API over memory or sqlite stores
//
// Usage:
//
//	rls [flags] <command>
package main

func main() {
	Execute()
}
