package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint represents an API endpoint that can serve HTTP requests
// and expose itself as a CLI command.
type Endpoint interface {
	// Route returns the HTTP method, path pattern, and handler.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit returns true if the endpoint needs an initialized
	// database to function.
	RequiresInit() bool

	// Command returns a cobra command that calls this endpoint on a
	// running server. getServerURL is resolved at execution time so
	// flags have been parsed.
	Command(getServerURL func() string) *cobra.Command
}
