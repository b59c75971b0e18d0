package main

import (
	"context"
	"log"
	"os"

	"github.com/smolin/medvault/internal/buildinfo"
	"github.com/smolin/medvault/internal/cli"
	"github.com/smolin/medvault/internal/config"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	app.Run(ctx)
}
