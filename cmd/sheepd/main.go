package main

import (
	"os"

	"github.com/distsheep/sheepd/cmd/sheepd/app"
	"github.com/distsheep/sheepd/pkg/log"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
