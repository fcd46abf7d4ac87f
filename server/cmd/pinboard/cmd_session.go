package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"pinboard/server/internal/model"

	"github.com/spf13/cobra"
)

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in and persist the session",
	Long: `Signs in with email and password. The password is read from --password or,
when empty, from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var (
	registerName     string
	registerUsername string
	registerPassword string
)

var registerCmd = &cobra.Command{
	Use:   "register [email]",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the local session and end the remote one",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session",
	RunE:  runWhoami,
}

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin when empty)")

	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name (required)")
	registerCmd.Flags().StringVar(&registerUsername, "username", "", "Username")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (read from stdin when empty)")
	_ = registerCmd.MarkFlagRequired("name")
}

func readPassword(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := readPassword(loginPassword)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	user, err := a.session.Login(ctx, model.LoginInput{Email: args[0], Password: password})
	if err != nil {
		return err
	}
	printUser(cmd, user)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	password, err := readPassword(registerPassword)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	ok, err := a.session.Register(ctx, model.RegisterInput{
		Name:     registerName,
		Username: registerUsername,
		Email:    args[0],
		Password: password,
	})
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Account created. Sign in with `pinboard login`.")
		return nil
	}
	printUser(cmd, a.session.Snapshot().User)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	if err := a.session.Bootstrap(ctx); err != nil {
		return err
	}
	snap := a.session.Snapshot()
	if !snap.IsAuthenticated() {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
		return nil
	}
	printUser(cmd, snap.User)
	return nil
}

func printUser(cmd *cobra.Command, u *model.UserIdentity) {
	out := cmd.OutOrStdout()
	if u == nil {
		fmt.Fprintln(out, "Signed in (identity pending).")
		return
	}
	role := "user"
	if u.IsAdmin() {
		role = "admin"
	}
	fmt.Fprintf(out, "Signed in as %s <%s> (%s)\n", displayName(u), u.Email, role)
}

func displayName(u *model.UserIdentity) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	default:
		return u.ID
	}
}
