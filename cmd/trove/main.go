// Command trove reads and writes documents through the resilient store client.
package main

import (
	"os"

	"github.com/jacentio/trove/internal/conn"
)

func main() {
	if err := newApp(conn.DialDynamoDB).execute(); err != nil {
		os.Exit(1)
	}
}
