// Tool gokr-rsync performs a local file transfer with rsync semantics.
package main

import (
	"log"
	"os"

	"github.com/gokrazy/natsync/internal/maincmd"
)

func main() {
	if _, err := maincmd.Main(os.Args, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}
