// Command stubsvc is a stand-in embedded service for local debugging of the
// launch interface.
package main

import (
	"os"

	"github.com/loykin/embedsvc/internal/stubsvc"
)

func main() {
	os.Exit(stubsvc.Main())
}
