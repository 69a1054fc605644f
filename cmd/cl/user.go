package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"creditline/internal/app"
	"creditline/internal/domain"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Profiles, login and API keys",
		Long:  "The first profile of a workspace must be an admin. Later profiles are created by someone holding user.create.",
	}
	u.AddCommand(userRegisterCmd())
	u.AddCommand(userLoginCmd())
	u.AddCommand(userWhoamiCmd())
	u.AddCommand(userKeyCmd())
	return u
}

func userRegisterCmd() *cobra.Command {
	var email, password, role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := currentActor()
				p, err := a.Engine.Register(ctx, &actor, email, password, domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password (min 8 characters)")
	cmd.Flags().StringVar(&role, "user-role", "developer", "role of the new profile")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials and act as that profile in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor, err := a.Engine.Login(ctx, email, password)
				if err != nil {
					return err
				}
				path := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(path, envKey("actor-id"), actor.ID); err != nil {
					return err
				}
				if err := setEnvValue(path, envKey("role"), string(actor.Role)); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actor)
				}
				fmt.Printf("Logged in as %s (%s); saved to %s\n", actor.ID, actor.Role, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				actor := currentActor()
				return printJSONOrTable(map[string]any{
					"actor_id":    actor.ID,
					"role":        actor.Role,
					"permissions": a.Engine.Auth.Permissions(actor.Role),
				})
			})
		},
	}
}

func userKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "API keys for the current actor"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, currentActor(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s created. Store it now, it is not shown again:\n%s\n", key.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteAPIKey(ctx, currentActor(), args[0])
			})
		},
	})
	return k
}

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
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
