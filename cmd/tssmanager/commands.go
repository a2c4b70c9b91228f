package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pushchain/push-tss-manager/manager/config"
	"github.com/pushchain/push-tss-manager/manager/logger"
	"github.com/pushchain/push-tss-manager/manager/node"
	"github.com/pushchain/push-tss-manager/manager/tss/ceremony"
	"github.com/pushchain/push-tss-manager/manager/tss/engine"
	"github.com/pushchain/push-tss-manager/manager/tss/signature"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/libp2p"
	"github.com/pushchain/push-tss-manager/manager/tss/transport/relay"
	"github.com/pushchain/push-tss-manager/manager/tss/wire"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = ""
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(addressCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(versionCmd())
}

func homeDir(cmd *cobra.Command) string {
	home, _ := cmd.Flags().GetString(flagHome)
	return home
}

// loadConfig resolves the config for the command's home directory.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Resolve(homeDir(cmd))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler), nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config to <home>/config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			home := homeDir(cmd)
			cfg.NodeHome = home
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", home)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the manager: consume jobs and serve queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, node.Options{}, log)
			if err != nil {
				return err
			}
			if err := n.Start(ctx); err != nil {
				_ = n.Stop()
				return err
			}

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")
			return n.Stop()
		},
	}
}

func relayCmd() *cobra.Command {
	var (
		listen     string
		maxHistory int
		roomTTL    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a standalone room relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(1, "console", false)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := relay.NewServer(relay.ServerConfig{MaxHistory: maxHistory, RoomTTL: roomTTL, Logger: log})
			r := mux.NewRouter()
			r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("OK"))
			}).Methods(http.MethodGet)
			srv.Register(r)

			hs := &http.Server{Addr: listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
			go srv.Run(ctx)
			go func() {
				<-ctx.Done()
				srv.Close()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = hs.Shutdown(shutdownCtx)
			}()

			log.Info().Str("addr", listen).Msg("relay listening")
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8000", "listen address")
	cmd.Flags().IntVar(&maxHistory, "max-history", 0, "messages replayed to late joiners per room (0 uses the default)")
	cmd.Flags().DurationVar(&roomTTL, "room-ttl", 0, "idle time before a room is evicted (0 uses the default)")
	return cmd
}

// localNode builds a node for a one-shot ceremony: no job consumer and no
// query server.
func localNode(cmd *cobra.Command) (*node.Node, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.JobsEnabled = false
	cfg.QueryServerPort = 0
	cfg.RelayListen = ""
	return node.New(cmd.Context(), cfg, node.Options{}, log)
}

func keygenCmd() *cobra.Command {
	var (
		room, owner, key, relayAddr string
		index, threshold, parties   uint16
		timeout                     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Take part in a key generation ceremony and store the share",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := localNode(cmd)
			if err != nil {
				return err
			}
			defer n.Stop()

			coord, err := n.Coordinator(relayAddr)
			if err != nil {
				return err
			}
			share, err := coord.RunKeygen(cmd.Context(), ceremony.KeygenRequest{
				RoomID:       room,
				OwnerID:      owner,
				KeyID:        key,
				Party:        wire.PartyIndex(index),
				Threshold:    threshold,
				PartiesCount: parties,
				Timeout:      timeout,
				Persist: func(ctx context.Context, share *engine.KeyShare) error {
					return n.Keys().Store(ctx, owner, key, share)
				},
			})
			if err != nil {
				return err
			}
			addr, err := signature.ChecksumAddress(share.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\naddress:    %s\n", hex.EncodeToString(share.PublicKey), addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room id shared by all parties")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the share is stored under")
	cmd.Flags().StringVar(&key, "key", "", "key id the share is stored under")
	cmd.Flags().StringVar(&relayAddr, "relay", "", "relay address (defaults to the configured one)")
	cmd.Flags().Uint16Var(&index, "index", 0, "this party's index, starting at 1")
	cmd.Flags().Uint16Var(&threshold, "threshold", 0, "number of parties needed to sign")
	cmd.Flags().Uint16Var(&parties, "parties", 0, "total number of parties")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "ceremony deadline (defaults to the configured one)")
	for _, f := range []string{"room", "owner", "key", "index", "threshold", "parties"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func signCmd() *cobra.Command {
	var (
		room, owner, key, relayAddr, signers, hash string
		chainID                                    uint64
		timeout                                    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Take part in a signing ceremony with a stored share",
		RunE: func(cmd *cobra.Command, args []string) error {
			participants, err := parseSigners(signers)
			if err != nil {
				return err
			}
			digest, err := hex.DecodeString(strings.TrimPrefix(hash, "0x"))
			if err != nil {
				return fmt.Errorf("hash is not hex: %w", err)
			}

			n, err := localNode(cmd)
			if err != nil {
				return err
			}
			defer n.Stop()

			share, err := n.Keys().Fetch(cmd.Context(), owner, key)
			if err != nil {
				return err
			}
			coord, err := n.Coordinator(relayAddr)
			if err != nil {
				return err
			}
			sig, err := coord.RunSign(cmd.Context(), ceremony.SignRequest{
				RoomID:       room,
				OwnerID:      owner,
				KeyID:        key,
				Share:        share,
				Participants: participants,
				Hash:         digest,
				ChainID:      chainID,
				Timeout:      timeout,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(sig, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room id shared by all signers")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id of the stored share")
	cmd.Flags().StringVar(&key, "key", "", "key id of the stored share")
	cmd.Flags().StringVar(&relayAddr, "relay", "", "relay address (defaults to the configured one)")
	cmd.Flags().StringVar(&signers, "signers", "", "comma separated signer indexes, e.g. 1,3")
	cmd.Flags().StringVar(&hash, "hash", "", "hex encoded 32-byte message hash")
	cmd.Flags().Uint64Var(&chainID, "chain-id", 0, "chain id for the recovery id (defaults to the configured one)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "ceremony deadline (defaults to the configured one)")
	for _, f := range []string{"room", "owner", "key", "signers", "hash"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func addressCmd() *cobra.Command {
	var owner, key string
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the Ethereum address of a stored key",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := localNode(cmd)
			if err != nil {
				return err
			}
			defer n.Stop()

			share, err := n.Keys().Fetch(cmd.Context(), owner, key)
			if err != nil {
				return err
			}
			addr, err := signature.ChecksumAddress(share.PublicKey)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id of the stored share")
	cmd.Flags().StringVar(&key, "key", "", "key id of the stored share")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "p2p-identity",
		Short: "Generate a libp2p identity for p2p_private_key_base64",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := libp2p.GenerateIdentity()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tssmanager version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}

func parseSigners(raw string) (wire.PartySet, error) {
	var out wire.PartySet
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idx, err := wire.ParsePartyIndex(item)
		if err != nil {
			return nil, fmt.Errorf("invalid signer %q: %w", item, err)
		}
		out = append(out, idx)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no signers given")
	}
	return out, nil
}
