package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"supportdesk/server/console/app"
)

var (
	email    string
	password string
)

var rootCmd = &cobra.Command{
	Use:   "supportdesk",
	Short: "Live-chat console for support agents",
	Long: `supportdesk connects a support agent to the job board's live chat.

Commands:
  login     Sign in and store the access token
  logout    Remove the stored sign-in
  status    Show the stored sign-in
  run       Open the interactive console (default)

Config is read from the environment (SUPPORTDESK_API_URL, SUPPORTDESK_SOCKET_URL,
SUPPORTDESK_CREDENTIALS, SOCKET_*, PRESENCE_*, TYPING_IDLE).`,
	SilenceUsage: true,
	RunE:         runConsole,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with agent credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.LoadConfig()
		in := bufio.NewReader(cmd.InOrStdin())
		if email == "" {
			email = prompt(cmd, in, "email: ")
		}
		if password == "" {
			password = prompt(cmd, in, "password: ")
		}
		c := app.New(cfg, app.Options{})
		defer c.Shutdown()
		if err := c.Login(cmd.Context(), email, password); err != nil {
			return err
		}
		agent, _ := c.Agent()
		fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s <%s>\n", agent.Name, agent.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored sign-in",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := app.CredentialStore{Path: app.LoadConfig().CredentialsPath}
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "signed out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored sign-in",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.LoadConfig()
		creds, err := app.CredentialStore{Path: cfg.CredentialsPath}.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "api:    %s\nsocket: %s\nuser:   %s <%s> (%s)\n",
			cfg.APIURL, cfg.SocketURL, creds.Agent().Name, creds.User.Email, creds.User.Role)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the interactive console",
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfig()
	out := cmd.OutOrStdout()
	loggedOut := make(chan string, 1)
	c := app.New(cfg, app.Options{
		OnLogout: func(reason string) {
			select {
			case loggedOut <- reason:
			default:
			}
		},
	})
	defer c.Shutdown()

	if err := c.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start console (try 'supportdesk login'): %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		select {
		case reason := <-loggedOut:
			fmt.Fprintf(out, "signed out (%s)\n", reason)
			cancel()
		case <-ctx.Done():
		}
	}()
	return app.NewShell(c, out).Run(ctx, cmd.InOrStdin())
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) string {
	fmt.Fprint(cmd.OutOrStdout(), label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func init() {
	loginCmd.Flags().StringVar(&email, "email", os.Getenv("SUPPORTDESK_EMAIL"), "agent email")
	loginCmd.Flags().StringVar(&password, "password", os.Getenv("SUPPORTDESK_PASSWORD"), "agent password")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
