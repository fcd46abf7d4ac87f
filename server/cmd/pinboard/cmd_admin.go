package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"pinboard/server/internal/model"

	"github.com/spf13/cobra"
)

// adminCmd groups moderation and billing management commands
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Moderation and billing management (admin role required)",
	Long: `Admin commands talk to the /admin endpoints of the backend.

Available subcommands:
  overview - Totals for users, subscriptions, reports and revenue
  users    - List or search users
  suspend  - Suspend or reactivate a user
  role     - Grant or revoke the admin role
  reports  - List reports
  resolve  - Set the status of a report
  plans    - List subscription plans
  plan     - Create, toggle or delete a plan`,
}

var adminOverviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show admin overview totals",
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		ov, err := a.client.AdminOverview(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "users=%d active_subs=%d open_reports=%d revenue_usd=%.2f\n",
			ov.TotalUsers, ov.ActiveSubs, ov.OpenReports, ov.RevenueUSD)
		return nil
	}),
}

var adminUsersQuery string

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users",
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		page, err := a.client.AdminUsers(ctx, adminUsersQuery, 1, 50)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tEMAIL\tPLAN\tSTATUS\tADMIN\n")
		for _, u := range page.Users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", u.ID, u.Name, u.Email, u.Plan, u.Status, u.IsAdmin)
		}
		fmt.Fprintf(w, "\n%d of %d\n", len(page.Users), page.Total)
		return w.Flush()
	}),
}

var (
	suspendUndo  bool
	promoteAdmin bool
)

var adminSuspendCmd = &cobra.Command{
	Use:   "suspend [user-id]",
	Short: "Suspend a user (--undo reactivates)",
	Args:  cobra.ExactArgs(1),
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		status := "suspended"
		if suspendUndo {
			status = "active"
		}
		u, err := a.client.SetUserStatus(ctx, args[0], status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.ID, u.Status)
		return nil
	}),
}

var adminRoleCmd = &cobra.Command{
	Use:   "role [user-id]",
	Short: "Grant (--admin) or revoke the admin role",
	Args:  cobra.ExactArgs(1),
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		u, err := a.client.SetUserRole(ctx, args[0], promoteAdmin)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s admin=%t\n", u.ID, u.IsAdmin)
		return nil
	}),
}

var adminReportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List reports",
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		reports, err := a.client.AdminReports(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTARGET\tREASON")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\n", r.ID, r.Status, r.TargetType, r.TargetID, r.Reason)
		}
		return w.Flush()
	}),
}

var adminResolveCmd = &cobra.Command{
	Use:   "resolve [report-id] [open|resolved|dismissed]",
	Short: "Set the status of a report",
	Args:  cobra.ExactArgs(2),
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		r, err := a.client.SetReportStatus(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "report %s is %s\n", r.ID, r.Status)
		return nil
	}),
}

var adminPlansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List plans, subscriptions and payments",
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		plans, err := a.client.AdminPlans(ctx)
		if err != nil {
			return err
		}
		subs, err := a.client.AdminSubscriptions(ctx)
		if err != nil {
			return err
		}
		payments, err := a.client.AdminPayments(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRICE\tACTIVE\tFEATURES")
		for _, p := range plans {
			fmt.Fprintf(w, "%s\t%s\t%.2f %s\t%t\t%s\n", p.ID, p.Name, p.PricePerMonth, p.Currency, p.IsActive, strings.Join(p.Features, ", "))
		}
		fmt.Fprintf(w, "\n%d subscriptions, %d payments\n", len(subs), len(payments))
		return w.Flush()
	}),
}

var (
	planName     string
	planPrice    float64
	planCurrency string
	planFeatures []string
	planID       string
	planToggle   bool
	planDelete   bool
)

var adminPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create or update a plan (--id), toggle it (--toggle) or delete it (--delete)",
	RunE: withAdmin(func(cmd *cobra.Command, a *app, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		out := cmd.OutOrStdout()

		switch {
		case planDelete:
			if planID == "" {
				return errors.New("--id is required with --delete")
			}
			if err := a.client.DeletePlan(ctx, planID); err != nil {
				return err
			}
			fmt.Fprintf(out, "plan %s deleted\n", planID)
			return nil
		case planToggle:
			if planID == "" {
				return errors.New("--id is required with --toggle")
			}
			p, err := a.client.TogglePlan(ctx, planID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "plan %s active=%t\n", p.ID, p.IsActive)
			return nil
		}

		in := model.UpsertPlanInput{
			Name:          planName,
			PricePerMonth: planPrice,
			Currency:      planCurrency,
			Features:      planFeatures,
			IsActive:      true,
		}
		var (
			p   *model.AdminPlan
			err error
		)
		if planID != "" {
			p, err = a.client.UpdatePlan(ctx, planID, in)
		} else {
			p, err = a.client.UpsertPlan(ctx, in)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "plan %s saved\n", p.ID)
		return nil
	}),
}

func init() {
	adminUsersCmd.Flags().StringVarP(&adminUsersQuery, "query", "q", "", "Search by name or email")
	adminSuspendCmd.Flags().BoolVar(&suspendUndo, "undo", false, "Reactivate instead of suspending")
	adminRoleCmd.Flags().BoolVar(&promoteAdmin, "admin", false, "Grant the admin role")

	adminPlanCmd.Flags().StringVar(&planID, "id", "", "Plan id (update/toggle/delete)")
	adminPlanCmd.Flags().StringVar(&planName, "name", "", "Plan name")
	adminPlanCmd.Flags().Float64Var(&planPrice, "price", 0, "Price per month")
	adminPlanCmd.Flags().StringVar(&planCurrency, "currency", "USD", "Currency: USD, COP or ARS")
	adminPlanCmd.Flags().StringSliceVar(&planFeatures, "feature", nil, "Feature (repeatable)")
	adminPlanCmd.Flags().BoolVar(&planToggle, "toggle", false, "Toggle plan availability")
	adminPlanCmd.Flags().BoolVar(&planDelete, "delete", false, "Delete the plan")

	adminCmd.AddCommand(adminOverviewCmd, adminUsersCmd, adminSuspendCmd, adminRoleCmd,
		adminReportsCmd, adminResolveCmd, adminPlansCmd, adminPlanCmd)
	rootCmd.AddCommand(adminCmd)
}

// withAdmin 在执行前检查当前会话是否为管理员。
func withAdmin(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, user, err := signedInApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if !user.IsAdmin() {
			return errors.New("admin role required")
		}
		return run(cmd, a, args)
	}
}
