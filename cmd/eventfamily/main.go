package main

import (
	"os"

	"horse.fit/eventfamily/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
