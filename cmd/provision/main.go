// Command provision generates the three per-device secrets a powermeter
// needs before its first join: DEV_EUI, APP_EUI and APP_KEY, written as
// lowercase hex files into the identity directory.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ludgerheide/powermeter-lora/internal/identity"
)

func main() {
	var dir = flag.String("dir", ".", "directory to write the identity files into")
	var force = flag.Bool("force", false, "overwrite existing identity files")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	files := []struct {
		name string
		size int
	}{
		{identity.DevEUIFile, 8},
		{identity.AppEUIFile, 8},
		{identity.AppKeyFile, 16},
	}

	if !*force {
		for _, f := range files {
			if _, err := os.Stat(filepath.Join(*dir, f.name)); err == nil {
				log.Fatal().Str("file", f.name).Msg("identity file exists, refusing to overwrite (use -force)")
			}
		}
	}

	if err := os.MkdirAll(*dir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", *dir).Msg("creating identity directory failed")
	}

	for _, f := range files {
		buf := make([]byte, f.size)
		if _, err := rand.Read(buf); err != nil {
			log.Fatal().Err(err).Msg("reading random bytes failed")
		}

		path := filepath.Join(*dir, f.name)
		if err := os.WriteFile(path, []byte(hex.EncodeToString(buf)), 0o600); err != nil {
			log.Fatal().Err(err).Str("file", f.name).Msg("writing identity file failed")
		}
		fmt.Printf("%s\t%s\n", f.name, hex.EncodeToString(buf))
	}

	// the files hold MSB-first hex; the loader reverses the EUIs into
	// radio byte order
	ident, err := identity.Load(*dir)
	if err != nil {
		log.Fatal().Err(err).Msg("generated identity fails to load")
	}
	log.Info().
		Str("dev_eui", ident.DevEUI.String()).
		Str("join_eui", ident.JoinEUI.String()).
		Str("dir", *dir).
		Msg("device identity provisioned")
}
