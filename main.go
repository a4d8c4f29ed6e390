package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"zbot/internal/channel"
	"zbot/internal/chat"
	"zbot/internal/config"
	"zbot/internal/fallback"
	"zbot/internal/llm"
	"zbot/internal/security"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, addr string

	root := &cobra.Command{
		Use:          "zbot",
		Short:        "Streaming chat relay with provider fallback",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				if err := applyAddr(cfg, addr); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return NewApp(ctx, cfg).Run(ctx)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.zbot/config.json)")
	root.Flags().StringVar(&addr, "addr", "", "listen address host:port (overrides HOST/PORT)")

	root.AddCommand(
		newProviderCmd(&configPath),
		newChatCmd(&configPath),
		newInitConfigCmd(&configPath),
		newSecretCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func applyAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in --addr %q: %w", addr, err)
	}
	cfg.Server.Host, cfg.Server.Port = host, port
	return nil
}

func newProviderCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "provider",
		Short: "Resolve the configured provider and print its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			sel := llm.NewSelector(cmd.Context(), cfg)
			defer sel.Close()

			data, err := json.MarshalIndent(sel.Info(cmd.Context()), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured provider from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sel := llm.NewSelector(ctx, cfg)
			defer sel.Close()

			svc := chat.New(sel.Provider(), sel.Options(), fallback.New(), nil)
			console := channel.NewConsoleChannel(cmd.InOrStdin(), cmd.OutOrStdout())
			svc.Attach(ctx, console)
			if err := console.Start(ctx); err != nil {
				return err
			}

			select {
			case <-console.Done():
			case <-ctx.Done():
			}
			return console.Stop(context.Background())
		},
	}
}

func newInitConfigCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a config file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(loader.FilePath()); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", loader.FilePath())
			}
			if err := loader.Save(config.Defaults()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", loader.FilePath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newSecretCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage API keys in the OS keyring or encrypted vault",
		Long: "Stored secrets are used wherever the config holds \"" + security.Placeholder + "\".\n" +
			"Names: openai_api_key, anthropic_api_key, " + security.TelegramSecret + ".",
	}

	setCmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			value := strings.TrimSpace(line)
			if value == "" {
				return errors.New("secret is empty")
			}
			if err := newKeyStore(cfg).Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", args[0], security.MaskKey(value))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return newKeyStore(cfg).Delete(args[0])
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
}

func getVersion() versionInfo {
	info := versionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					info.BuildDate = t.UTC().Format(time.RFC3339)
				}
			}
		}
	}
	return info
}

func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := getVersion()
			switch output {
			case "json":
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			case "short":
				fmt.Fprintln(cmd.OutOrStdout(), info.Version)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "zbot %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, short)")
	return cmd
}
