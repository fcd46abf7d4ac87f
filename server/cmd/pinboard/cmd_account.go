package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"pinboard/server/internal/model"

	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show subscription, payments and pins of the signed-in user",
	RunE:  runAccount,
}

var subscribePeriod string

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Start a subscription checkout and print the payment link",
	RunE:  runSubscribe,
}

var profilePatch model.ProfilePatch

var accountEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Update name, username, email or biography of the signed-in user",
	RunE:  runAccountEdit,
}

func init() {
	subscribeCmd.Flags().StringVar(&subscribePeriod, "period", string(model.BillingMonthly), "Billing period: monthly or annual")
	accountEditCmd.Flags().StringVar(&profilePatch.Name, "name", "", "Display name")
	accountEditCmd.Flags().StringVar(&profilePatch.Username, "username", "", "Username")
	accountEditCmd.Flags().StringVar(&profilePatch.Email, "email", "", "Email")
	accountEditCmd.Flags().StringVar(&profilePatch.Biography, "bio", "", "Biography")
	accountCmd.AddCommand(subscribeCmd, accountEditCmd)
	rootCmd.AddCommand(accountCmd)
}

// signedInApp 装配组件并确保已经登录。
func signedInApp(cmd *cobra.Command) (*app, *model.UserIdentity, error) {
	a, err := newApp()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := commandContext()
	defer cancel()
	if err := a.session.Bootstrap(ctx); err != nil {
		a.Close()
		return nil, nil, err
	}
	user := a.session.Snapshot().User
	if user == nil {
		a.Close()
		return nil, nil, errors.New("not signed in, run `pinboard login` first")
	}
	return a, user, nil
}

func runAccount(cmd *cobra.Command, args []string) error {
	a, user, err := signedInApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	out := cmd.OutOrStdout()
	printUser(cmd, user)

	status, err := a.client.SubscriptionStatus(ctx, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Plan: %s", model.PlanLabel(status.Plan))
	if status.Status != "" {
		fmt.Fprintf(out, " (%s)", status.Status)
	}
	fmt.Fprintln(out)
	for _, f := range model.PlanFeatures(status.Plan) {
		fmt.Fprintf(out, "  - %s\n", f)
	}

	history, err := a.client.PaymentHistory(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nPAYMENT\tDATE\tPLAN\tSTATUS\tUSD")
		for _, h := range history {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\n", h.ID, h.Date.Format("2006-01-02"), h.Plan, h.Status, h.USDPrice)
		}
		_ = w.Flush()
	}

	posts, err := a.client.UserPins(ctx, user.ID, 1, 10)
	if err != nil {
		return err
	}
	liked, err := a.client.LikedPins(ctx, user.ID, 1, 10)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nPins: %d shown, liked: %d shown\n", len(posts), len(liked))
	for _, p := range posts {
		fmt.Fprintf(out, "  %s  %s  (%d likes, %d views)\n", p.ID, p.Title, p.Likes, p.Views)
	}
	return nil
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	a, user, err := signedInApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	link, err := a.client.CreateSubscription(ctx, model.BillingPeriod(subscribePeriod), user.Email, user.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Complete the payment at:\n%s\n", link)
	return nil
}

func runAccountEdit(cmd *cobra.Command, args []string) error {
	if profilePatch == (model.ProfilePatch{}) {
		return errors.New("nothing to update, pass at least one of --name, --username, --email, --bio")
	}
	a, user, err := signedInApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	updated, err := a.client.UpdateProfile(ctx, user.ID, profilePatch)
	if err != nil {
		return err
	}
	merged := mergeProfile(user, profilePatch, updated)
	if err := a.session.SetAuth(ctx, merged, a.session.Snapshot().Token); err != nil {
		return err
	}
	printUser(cmd, merged)
	return nil
}

// mergeProfile 以服务端返回为准，返回里缺的字段用提交的值补齐，再缺的保留原值。
func mergeProfile(current *model.UserIdentity, patch model.ProfilePatch, updated *model.UserIdentity) *model.UserIdentity {
	out := *current
	pick := func(dst *string, values ...string) {
		for _, v := range values {
			if v != "" {
				*dst = v
				return
			}
		}
	}
	if updated == nil {
		updated = &model.UserIdentity{}
	}
	pick(&out.Name, updated.Name, patch.Name)
	pick(&out.Username, updated.Username, patch.Username)
	pick(&out.Email, updated.Email, patch.Email)
	pick(&out.Biography, updated.Biography, patch.Biography)
	pick(&out.ProfilePicture, updated.ProfilePicture)
	return &out
}
