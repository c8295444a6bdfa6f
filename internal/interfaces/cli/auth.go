package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"kilometers.ai/authlayer/internal/core/domain"
	"kilometers.ai/authlayer/internal/core/session"
)

// newLoginCommand creates the login command
func newLoginCommand(a *app) *cobra.Command {
	var (
		username     string
		password     string
		accessToken  string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store a credential pair",
		Long: `Log in with a username and password, or store an access and refresh
token pair obtained elsewhere. The password may also be supplied through
the AUTHLAYER_PASSWORD environment variable.`,
		Example: `  authlayer login --base-url https://api.example.com -u alice
  authlayer login --access-token eyJhb... --refresh-token 8f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if accessToken != "" || refreshToken != "" {
				if accessToken == "" || refreshToken == "" {
					return fmt.Errorf("both --access-token and --refresh-token are required")
				}
				container, err := a.build(false)
				if err != nil {
					return err
				}
				container.Client.UseCredential(domain.Credential{AccessToken: accessToken, RefreshToken: refreshToken})
				fmt.Fprintf(out, "✅ Credentials stored\n")
				return nil
			}

			if username == "" {
				return fmt.Errorf("--username is required")
			}
			if password == "" {
				password = os.Getenv("AUTHLAYER_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or AUTHLAYER_PASSWORD is required")
			}

			container, err := a.build(true)
			if err != nil {
				return err
			}

			cred, err := container.Client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "✅ Logged in as %s\n", username)
			if expiry, ok := cred.AccessExpiry(); ok {
				fmt.Fprintf(out, "⏱️  Access token expires %s\n", expiry.Local().Format(time.RFC1123))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "Store this access token instead of logging in")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Store this refresh token instead of logging in")

	return cmd
}

// newLogoutCommand creates the logout command
func newLogoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := a.build(false)
			if err != nil {
				return err
			}

			if !container.Client.Authenticated() {
				fmt.Fprintf(cmd.OutOrStdout(), "ℹ️  Not logged in\n")
				return nil
			}

			container.Client.Logout()
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Logged out successfully\n")
			return nil
		},
	}
}

// newStatusCommand creates the status command
func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := a.build(false)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(container.Client.Credential(), container.StoreLocation, container.Executor.BaseURL(), time.Now()))
			return nil
		},
	}
}

// renderStatus describes cred without revealing the tokens
func renderStatus(cred domain.Credential, store, baseURL string, now time.Time) string {
	lines := []string{titleStyle.Render("authlayer session")}

	if baseURL == "" {
		baseURL = dimStyle.Render("(not configured)")
	}
	lines = append(lines,
		field("API", baseURL),
		field("Store", store),
	)

	var state string
	switch session.StateOf(cred, now) {
	case session.StateAnonymous:
		lines = append(lines, field("State", errStyle.Render("logged out")))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	case session.StateExpired:
		state = warnStyle.Render("access token expired, will refresh on next request")
	default:
		state = okStyle.Render("authenticated")
	}
	lines = append(lines,
		field("State", state),
		field("Access token", domain.Masked(cred.AccessToken)),
	)

	if expiry, ok := cred.AccessExpiry(); ok {
		lines = append(lines, field("Expires", fmt.Sprintf("%s (%s)", expiry.Local().Format(time.RFC1123), humanizeUntil(expiry, now))))
	} else {
		lines = append(lines, field("Expires", dimStyle.Render("unknown (opaque token)")))
	}

	refresh := okStyle.Render("present")
	if !cred.CanRefresh() {
		refresh = warnStyle.Render("missing, session ends when the access token expires")
	}
	lines = append(lines, field("Refresh token", refresh))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func humanizeUntil(t, now time.Time) string {
	d := t.Sub(now).Round(time.Second)
	if d < 0 {
		return (-d).String() + " ago"
	}
	return "in " + d.String()
}
