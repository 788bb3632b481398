package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/skybridge-home/alexahub/internal/registry"
	"github.com/skybridge-home/alexahub/internal/store"
)

// transferDoc is the serialized export payload.
type transferDoc struct {
	Version int                   `json:"version"`
	Entries []*registry.LinkEntry `json:"entries"`
	Records []*store.TokenRecord  `json:"records"`
}

const transferVersion = 1

func promptPassphrase(confirm bool) ([]byte, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat passphrase: ")
		again, errAgain := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if errAgain != nil {
			return nil, errAgain
		}
		if string(passphrase) != string(again) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return passphrase, nil
}

// runExport writes all entries and token records to an armored, symmetric
// OpenPGP file.
func runExport(ctx context.Context, tokenStore store.TokenStore, path string) error {
	persister, ok := tokenStore.(store.EntriesPersister)
	if !ok {
		return fmt.Errorf("store backend cannot persist the entries registry")
	}
	reg := registry.New(persister, nil)
	if err := reg.Load(ctx); err != nil {
		return err
	}
	records, err := tokenStore.List(ctx)
	if err != nil {
		return err
	}
	doc := transferDoc{
		Version: transferVersion,
		Entries: reg.List(),
		Records: records,
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	passphrase, err := promptPassphrase(true)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	armored, err := armor.Encode(out, "PGP MESSAGE", nil)
	if err != nil {
		return err
	}
	plaintext, err := openpgp.SymmetricallyEncrypt(armored, passphrase, nil, nil)
	if err != nil {
		return err
	}
	if _, err = plaintext.Write(payload); err != nil {
		return err
	}
	if err = plaintext.Close(); err != nil {
		return err
	}
	if err = armored.Close(); err != nil {
		return err
	}
	fmt.Printf("Exported %d entries and %d token records to %s.\n",
		len(doc.Entries), len(doc.Records), path)
	return nil
}

// runImport decrypts an export file and merges it into the store. Existing
// entries are skipped unless force is set.
func runImport(ctx context.Context, tokenStore store.TokenStore, path string, force bool) error {
	persister, ok := tokenStore.(store.EntriesPersister)
	if !ok {
		return fmt.Errorf("store backend cannot persist the entries registry")
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	passphrase, err := promptPassphrase(false)
	if err != nil {
		return err
	}

	block, err := armor.Decode(in)
	if err != nil {
		return fmt.Errorf("not an armored export file: %w", err)
	}
	attempted := false
	md, err := openpgp.ReadMessage(block.Body, nil,
		func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
			if attempted {
				return nil, fmt.Errorf("wrong passphrase")
			}
			attempted = true
			return passphrase, nil
		}, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt export: %w", err)
	}
	payload, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return fmt.Errorf("failed to decrypt export: %w", err)
	}

	var doc transferDoc
	if err = json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("undecodable export payload: %w", err)
	}
	if doc.Version != transferVersion {
		return fmt.Errorf("unsupported export version %d", doc.Version)
	}

	reg := registry.New(persister, nil)
	if err = reg.Load(ctx); err != nil {
		return err
	}

	recordsByEntry := make(map[string]*store.TokenRecord, len(doc.Records))
	for _, record := range doc.Records {
		recordsByEntry[record.EntryID] = record
	}

	imported, skipped := 0, 0
	for _, entry := range doc.Entries {
		if existing, ok := reg.Get(entry.ID); ok {
			if !force {
				log.Infof("skipping existing entry %s (%s)", existing.ID, existing.Title)
				skipped++
				continue
			}
			if err = reg.Update(ctx, entry); err != nil {
				return err
			}
		} else if err = reg.Add(ctx, entry); err != nil {
			return err
		}
		if record, ok := recordsByEntry[entry.ID]; ok {
			if err = tokenStore.Save(ctx, record); err != nil {
				return err
			}
		}
		imported++
	}
	fmt.Printf("Imported %d entries (%d skipped) from %s.\n", imported, skipped, path)
	return nil
}
