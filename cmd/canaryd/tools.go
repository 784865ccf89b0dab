package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmay89/securacv-canary/internal/config"
	"github.com/kmay89/securacv-canary/internal/cvcrypto"
	"github.com/kmay89/securacv-canary/internal/log"
	"github.com/kmay89/securacv-canary/internal/metrics"
	"github.com/kmay89/securacv-canary/internal/operator"
	"github.com/kmay89/securacv-canary/internal/witness"
)

func newCollectCmd(flags *rootFlags) *cobra.Command {
	var (
		listen string
		dir    string
		pins   []string
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Accept exported record batches from devices",
		Long: `collect serves POST /api/records. Every accepted batch must continue the
chain already received from its device; accepted records are archived under
--dir, one file archive per device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			logger, err := log.New(cfg.LogConfig())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger = logger.With(zap.String("run_id", uuid.NewString()))

			col := witness.NewCollector(logger)
			defer col.Close()
			if dir != "" {
				col.OpenArchive = func(id string) (witness.Archive, error) {
					return witness.OpenFileArchive(filepath.Join(dir, id))
				}
			}
			for _, p := range pins {
				id, key, ok := strings.Cut(p, "=")
				if !ok || !witness.ValidDeviceID(id) {
					return fmt.Errorf("pin %q: want canary-xxxxxx=<public key>", p)
				}
				pub, err := cvcrypto.ParsePublicKey(key)
				if err != nil {
					return fmt.Errorf("pin %s: %w", id, err)
				}
				col.Register(id, pub)
				col.Pinned = true
			}

			srv := operator.New(operator.Config{Collector: col, Metrics: metrics.New(), Logger: logger})
			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Serve(gctx, listen) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8090", "collector listen address")
	cmd.Flags().StringVar(&dir, "dir", "", "directory for per-device archives")
	cmd.Flags().StringSliceVar(&pins, "pin", nil, "accept only pinned devices (canary-xxxxxx=<hex public key>)")
	return cmd
}

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	var pubHex string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the configured record archive end to end",
		Long: `verify walks the archive from its first record, checking every link, hash
and signature. The public key is read from the device state unless --pubkey
is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			mac, err := cfg.MAC()
			if err != nil {
				return err
			}
			if cfg.Archive.Kind == "" || cfg.Archive.Kind == "none" {
				return errors.New("no archive configured")
			}
			pub, err := verifyKey(cfg, mac, pubHex)
			if err != nil {
				return err
			}
			a, err := openArchive(cfg.Archive)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer a.Close()

			deviceID := witness.DeviceID(mac)
			final, n, err := witness.NewVerifier(a, pub).VerifyAll(deviceID)
			if err != nil {
				return fmt.Errorf("%s: verification failed after %d records: %w", deviceID, n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records verified, head %s\n", deviceID, n, final)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubHex, "pubkey", "", "device public key (hex)")
	return cmd
}

func verifyKey(cfg config.Config, mac [6]byte, pubHex string) (cvcrypto.PublicKey, error) {
	if pubHex != "" {
		return cvcrypto.ParsePublicKey(pubHex)
	}
	id, err := loadIdentity(cfg, mac)
	if err != nil {
		return cvcrypto.PublicKey{}, err
	}
	return id.PublicKey, nil
}

func loadIdentity(cfg config.Config, mac [6]byte) (witness.Identity, error) {
	if cfg.State.DSN == "" {
		return witness.Identity{}, errors.New("no device state configured")
	}
	if _, err := os.Stat(cfg.State.DSN); err != nil {
		return witness.Identity{}, fmt.Errorf("device state: %w", err)
	}
	store, closeStore, err := openStore(cfg.State.DSN)
	if err != nil {
		return witness.Identity{}, err
	}
	defer closeStore()
	id, ok, err := witness.LoadIdentity(store, mac)
	if err != nil {
		return witness.Identity{}, err
	}
	if !ok {
		return witness.Identity{}, errors.New("device has never booted")
	}
	return id, nil
}

type identityOutput struct {
	witness.Identity
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	ChainHead   string `json:"chain_head"`
}

func newIdentityCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the stored device identity without booting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			mac, err := cfg.MAC()
			if err != nil {
				return err
			}
			id, err := loadIdentity(cfg, mac)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(identityOutput{
				Identity:    id,
				Fingerprint: id.Fingerprint.String(),
				PublicKey:   id.PublicKey.String(),
				ChainHead:   id.ChainHead.String(),
			})
		},
	}
}
