package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"formline/internal/app"
	"formline/internal/config"
	"formline/internal/repo"
	"formline/internal/server"
)

const secretEnv = "FORMLINE_JWT_SECRET"

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" && !cfg.Auth.AllowActorHeader {
				return fmt.Errorf("%s is required for bearer auth; run fl auth init", secretEnv)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
			if err != nil {
				return err
			}
			defer env.Close()
			handler, err := server.New(server.Config{
				Engine:   env.Engine,
				Flow:     env.Flow,
				Bank:     env.Bank,
				Log:      env.Log.With("component", "http"),
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					AdminRole:        cfg.Auth.AdminRole,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					Logger:           env.Log.With("component", "auth"),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			env.Log.Info("serving formline api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().Bool("allow-actor-header", false, "accept X-Actor-Id without a token (development only)")
	_ = viper.BindPFlag("allow-actor-header", cmd.Flags().Lookup("allow-actor-header"))
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Manage API credentials",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a signing secret into the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("jwt-secret") != "" && !force {
				return fmt.Errorf("%s already set; pass --force to rotate", secretEnv)
			}
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			if err := setEnvValue(path, secretEnv, hex.EncodeToString(buf)); err != nil {
				return err
			}
			fmt.Printf("wrote %s to %s\n", secretEnv, path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing secret")

	var (
		roles []string
		ttl   time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	tokenCmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")

	a.AddCommand(initCmd, tokenCmd)
	return a
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage formline.yml",
		Long:  "formline.yml holds server, auth, lock and log settings. Flags and FORMLINE_* variables override it.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default formline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate formline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	c.AddCommand(initCmd, showCmd, validateCmd)
	return c
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every lifecycle change: drafts, publishes, archival, answers and submissions.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Version", "Actor"})
					for _, e := range events {
						tw.AppendRow(table.Row{e.ID, since(e.TS), e.Type, e.EntityKind + ":" + e.EntityName, versionCell(e.Version), e.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "question, program or application")
	tail.Flags().StringVar(&f.EntityName, "entity-name", "", "entity name")
	l.AddCommand(tail)
	return l
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// setEnvValue writes key=value into a dotenv file, replacing an existing key.
func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
