package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
	"github.com/mezgeb/mezgeb/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "auth",
	Short:   "Log in with phone number and password",
	Long: `Log in and store the session in the local cache.

Without --phone or --password the missing values are prompted for when
running in a terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		password, _ := cmd.Flags().GetString("password")
		if err := promptCredentials(&phone, &password, nil); err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			user, err := a.router.Login(ctx, phone, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			syncGroups(ctx, a)
			return render(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "%s Logged in as %s\n", ui.RenderPass("✓"), displayName(user))
			})
		})
	},
}

var registerCmd = &cobra.Command{
	Use:     "register",
	GroupID: "auth",
	Short:   "Create an account",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, _ := cmd.Flags().GetString("phone")
		password, _ := cmd.Flags().GetString("password")
		username, _ := cmd.Flags().GetString("username")
		if err := promptCredentials(&phone, &password, &username); err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			user, err := a.router.Register(ctx, gateway.RegisterRequest{
				Phone:    phone,
				Password: password,
				Username: username,
			})
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			return render(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "%s Registered and logged in as %s\n", ui.RenderPass("✓"), displayName(user))
			})
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "auth",
	Short:   "Forget the stored session",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.router.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Logged out\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "auth",
	Short:   "Show the logged-in user",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			user, cached, err := a.router.GetProfile(ctx)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), user, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(displayName(user)), ui.RenderMuted(user.ID))
				fmt.Fprintf(w, "Phone: %s\n", user.Phone)
				fmt.Fprintf(w, "Scope: %s\n", a.activeScope())
				cachedNote(w, cached)
			})
		})
	},
}

func displayName(u *schema.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.Phone
}

// promptCredentials asks for the empty fields when attached to a terminal.
// username is nil for login.
func promptCredentials(phone, password, username *string) error {
	missing := *phone == "" || *password == "" || (username != nil && *username == "")
	if !missing {
		return nil
	}
	if !ui.IsInteractive() {
		return errors.New("--phone and --password are required when not running in a terminal")
	}

	required := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}

	fields := []huh.Field{
		huh.NewInput().Title("Phone").Value(phone).Validate(required("phone")),
	}
	if username != nil {
		fields = append(fields, huh.NewInput().Title("Username").Value(username).Validate(required("username")))
	}
	fields = append(fields, huh.NewInput().
		Title("Password").
		EchoMode(huh.EchoModePassword).
		Value(password).
		Validate(required("password")))

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return fmt.Errorf("prompt cancelled: %w", err)
	}
	return nil
}

// syncGroups refreshes memberships so scope commands know the user's groups.
func syncGroups(ctx context.Context, a *app) {
	if _, _, err := a.router.ListGroups(ctx); err != nil {
		a.logs.Logger("cli").Printf("Warning: could not refresh groups: %v", err)
	}
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().String("phone", "", "Phone number")
		c.Flags().String("password", "", "Password")
	}
	registerCmd.Flags().String("username", "", "Display name")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd)
}
