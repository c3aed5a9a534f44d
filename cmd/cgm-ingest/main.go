package main

import (
	_ "time/tzdata"

	"cgm-ingest/internal/cli"
)

func main() {
	cli.Execute()
}
