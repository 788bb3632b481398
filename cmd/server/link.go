package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/browser"
	log "github.com/sirupsen/logrus"

	"github.com/skybridge-home/alexahub/internal/config"
	"github.com/skybridge-home/alexahub/internal/lwa"
	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/session"
	"github.com/skybridge-home/alexahub/internal/store"
	"github.com/skybridge-home/alexahub/internal/util"
)

const (
	// callbackAddr is where Amazon redirects after consent. The LWA
	// security profile must allow this exact redirect URI.
	callbackAddr = "127.0.0.1:9277"
	callbackPath = "/oauth/callback"
	// linkTimeout bounds how long we wait for the user to consent.
	linkTimeout = 5 * time.Minute
)

type linkOptions struct {
	NoBrowser   bool
	Interactive bool
}

type credentials struct {
	ClientID     string
	ClientSecret string
	Region       string
	Scope        string
}

// credentialsFromEnv picks up non-interactive link credentials.
func credentialsFromEnv(cfg *config.Config) credentials {
	creds := credentials{
		ClientID:     os.Getenv("ALEXAHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("ALEXAHUB_CLIENT_SECRET"),
		Region:       os.Getenv("ALEXAHUB_REGION"),
		Scope:        os.Getenv("ALEXAHUB_SCOPE"),
	}
	if creds.Region == "" {
		creds.Region = cfg.LWA.DefaultRegion
	}
	if creds.Scope == "" {
		creds.Scope = cfg.LWA.DefaultScope
	}
	return creds
}

// linkPlumbing is the registry+manager pair the CLI flows operate on.
type linkPlumbing struct {
	registry *registry.Registry
	manager  *session.Manager
}

func newLinkPlumbing(ctx context.Context, cfg *config.Config, tokenStore store.TokenStore) (*linkPlumbing, error) {
	persister, ok := tokenStore.(store.EntriesPersister)
	if !ok {
		return nil, fmt.Errorf("store backend cannot persist the entries registry")
	}
	reg := registry.New(persister, nil)
	if err := reg.Load(ctx); err != nil {
		return nil, err
	}
	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{Timeout: lwa.HTTPTimeout})
	manager := session.NewManager(tokenStore, session.NewLWAAuthority(httpClient),
		session.WithRegistry(reg))
	if err := manager.Load(ctx); err != nil {
		return nil, err
	}
	return &linkPlumbing{registry: reg, manager: manager}, nil
}

func runLink(ctx context.Context, cfg *config.Config, tokenStore store.TokenStore, opts linkOptions) error {
	creds := credentialsFromEnv(cfg)
	if opts.Interactive || creds.ClientID == "" || creds.ClientSecret == "" {
		var err error
		if creds, err = runCredentialsWizard(creds); err != nil {
			return err
		}
	}
	if err := registry.ValidateCredentials(creds.ClientID, creds.ClientSecret); err != nil {
		return err
	}

	plumbing, err := newLinkPlumbing(ctx, cfg, tokenStore)
	if err != nil {
		return err
	}
	tok, err := performAuthorization(ctx, creds, opts.NoBrowser)
	if err != nil {
		return err
	}

	entry := &registry.LinkEntry{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Region:       creds.Region,
		Scope:        creds.Scope,
		State:        registry.StateLoaded,
	}
	if err = plumbing.registry.Add(ctx, entry); err != nil {
		return err
	}
	if err = plumbing.manager.SaveInitialToken(ctx, entry, tok); err != nil {
		return err
	}
	fmt.Printf("Linked entry %s (%s). Start the server to begin refreshing.\n", entry.ID, entry.Title)
	return nil
}

func runRelink(ctx context.Context, cfg *config.Config, tokenStore store.TokenStore, entryID string, noBrowser bool) error {
	plumbing, err := newLinkPlumbing(ctx, cfg, tokenStore)
	if err != nil {
		return err
	}
	entry, ok := plumbing.registry.Get(entryID)
	if !ok {
		return registry.ErrEntryNotFound
	}
	creds := credentials{
		ClientID:     entry.ClientID,
		ClientSecret: entry.ClientSecret,
		Region:       entry.Region,
		Scope:        entry.Scope,
	}
	tok, err := performAuthorization(ctx, creds, noBrowser)
	if err != nil {
		return err
	}
	if err = plumbing.manager.SaveInitialToken(ctx, entry, tok); err != nil {
		return err
	}
	if err = plumbing.registry.SetState(ctx, entryID, registry.StateLoaded, ""); err != nil {
		return err
	}
	fmt.Printf("Entry %s reauthorized.\n", entryID)
	return nil
}

func runUnlink(ctx context.Context, cfg *config.Config, tokenStore store.TokenStore, entryID string) error {
	plumbing, err := newLinkPlumbing(ctx, cfg, tokenStore)
	if err != nil {
		return err
	}
	if _, ok := plumbing.registry.Get(entryID); !ok {
		return registry.ErrEntryNotFound
	}
	if err = plumbing.manager.Revoke(ctx, entryID); err != nil &&
		!errors.Is(err, session.ErrUnknownEntry) {
		log.WithError(err).Warn("token revoke failed, removing the entry anyway")
	}
	if err = plumbing.registry.Remove(ctx, entryID); err != nil {
		return err
	}
	fmt.Printf("Entry %s unlinked.\n", entryID)
	return nil
}

type callbackResult struct {
	code string
	err  error
}

// performAuthorization runs the local consent flow: callback server,
// browser hand-off, code exchange.
func performAuthorization(ctx context.Context, creds credentials, noBrowser bool) (*lwa.TokenResponse, error) {
	state, err := lwa.GenerateState()
	if err != nil {
		return nil, err
	}
	verifier, challenge, err := lwa.GeneratePKCE()
	if err != nil {
		return nil, err
	}
	redirectURI := "http://" + callbackAddr + callbackPath
	client := lwa.NewClient(creds.ClientID, creds.ClientSecret,
		lwa.WithRegion(creds.Region), lwa.WithScope(creds.Scope))
	authorizeURL := client.AuthCodeURL(state, challenge, redirectURI)

	listener, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback server on %s: %w", callbackAddr, err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if errCode := r.URL.Query().Get("error"); errCode != "" {
			fmt.Fprintf(w, "Authorization failed: %s. You can close this window.", errCode)
			results <- callbackResult{err: fmt.Errorf("authorization denied: %s", errCode)}
			return
		}
		if !lwa.ValidateState(r.URL.Query().Get("state"), state) {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("callback state mismatch")}
			return
		}
		fmt.Fprint(w, "Authorization complete. You can close this window.")
		results <- callbackResult{code: r.URL.Query().Get("code")}
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			results <- callbackResult{err: serveErr}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if noBrowser {
		fmt.Printf("Open this URL to authorize:\n\n  %s\n\n", authorizeURL)
	} else if err = browser.OpenURL(authorizeURL); err != nil {
		log.WithError(err).Warn("could not open a browser")
		fmt.Printf("Open this URL to authorize:\n\n  %s\n\n", authorizeURL)
	}

	select {
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		return client.ExchangeCode(ctx, result.code, verifier, redirectURI)
	case <-time.After(linkTimeout):
		return nil, fmt.Errorf("timed out waiting for authorization")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
