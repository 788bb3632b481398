package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/config"
	"github.com/skybridge-home/alexahub/internal/logging"
	"github.com/skybridge-home/alexahub/internal/service"
	"github.com/skybridge-home/alexahub/internal/store"
)

// Version is injected at build time.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	link := flag.Bool("link", false, "link a new Amazon account and exit")
	relink := flag.String("relink", "", "reauthorize the given entry ID and exit")
	unlink := flag.String("unlink", "", "unlink the given entry ID and exit")
	exportFile := flag.String("export", "", "export entries and tokens to an encrypted file and exit")
	importFile := flag.String("import", "", "import entries and tokens from an encrypted file and exit")
	importForce := flag.Bool("force", false, "overwrite existing entries on import")
	noBrowser := flag.Bool("no-browser", false, "print the authorize URL instead of opening a browser")
	interactive := flag.Bool("interactive", false, "always run the interactive credentials wizard")
	flag.Parse()

	cfg, err := config.LoadConfigOptional(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logging.SetLogLevel(cfg)
	logging.ConfigureLogOutput(cfg)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokenStore, backend, err := store.FromEnvironment(ctx, cfg.AuthDir)
	if err != nil {
		log.Fatalf("failed to initialize token store: %v", err)
	}
	log.Infof("alexahub %s starting (store backend: %s)", Version, backend)

	switch {
	case *link:
		err = runLink(ctx, cfg, tokenStore, linkOptions{
			NoBrowser:   *noBrowser,
			Interactive: *interactive,
		})
	case *relink != "":
		err = runRelink(ctx, cfg, tokenStore, *relink, *noBrowser)
	case *unlink != "":
		err = runUnlink(ctx, cfg, tokenStore, *unlink)
	case *exportFile != "":
		err = runExport(ctx, tokenStore, *exportFile)
	case *importFile != "":
		err = runImport(ctx, tokenStore, *importFile, *importForce)
	default:
		err = runServer(ctx, cfg, *configPath, tokenStore)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cfg *config.Config, cfgPath string, tokenStore store.TokenStore) error {
	svc, err := service.New(cfg, cfgPath, tokenStore, Version)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}
