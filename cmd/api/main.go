// Command docsearch serves and operates the handover document search engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/handoverhq/docsearch/cmd/api/commands"
)

func main() {
	if err := commands.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
