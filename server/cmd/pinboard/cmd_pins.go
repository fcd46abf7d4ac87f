package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"pinboard/server/internal/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pinsQuery string

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List pins (or search with --query)",
	RunE:  runPins,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List pin categories",
	Args:  cobra.NoArgs,
	RunE:  runCategories,
}

var likeCmd = &cobra.Command{
	Use:   "like [pin-id]",
	Short: "Toggle the like on a pin",
	Args:  cobra.ExactArgs(1),
	RunE:  runLike,
}

var commentCmd = &cobra.Command{
	Use:   "comment [pin-id] [text...]",
	Short: "Comment on a pin",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runComment,
}

var (
	reportTarget string
	reportType   string
	reportReason string
)

var reportCmd = &cobra.Command{
	Use:   "report [target-id]",
	Short: "Report a pin, comment or user",
	Long: `Sends a moderation report.

Target types: pin, comment, user
Report types: spam, violence, sexual, hate, other`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	pinsCmd.Flags().StringVarP(&pinsQuery, "query", "q", "", "Search query")
	pinsCmd.AddCommand(categoriesCmd)

	reportCmd.Flags().StringVar(&reportTarget, "target", string(model.ReportTargetPin), "Target type")
	reportCmd.Flags().StringVar(&reportType, "type", string(model.ReportOther), "Report type")
	reportCmd.Flags().StringVar(&reportReason, "reason", "", "Free-text reason")
}

func runPins(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	var pins []model.Pin
	mark := a.coord.Mark()
	if pinsQuery != "" {
		pins, err = a.client.SearchPins(ctx, pinsQuery)
	} else {
		pins, err = a.client.ListPins(ctx)
	}
	if err != nil {
		return err
	}
	a.coord.PrimePins(mark, pins)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLIKES\tLIKED\tCOMMENTS\tDESCRIPTION")
	for _, p := range pins {
		st := a.coord.State(p.ID)
		fmt.Fprintf(w, "%s\t%d\t%t\t%d\t%s\n", p.ID, st.LikesCount, st.Liked, p.CommentsCount, truncate(p.Description, 48))
	}
	return w.Flush()
}

func runCategories(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	cats, err := a.client.Categories(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, c := range cats {
		fmt.Fprintf(w, "%s\t%s\n", c.ID, c.Name)
	}
	return w.Flush()
}

func runLike(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	pinID := args[0]
	if _, err := a.coord.LoadInitialState(ctx, pinID); err != nil {
		logger.Debug("load initial like state failed", zap.String("pin_id", pinID), zap.Error(err))
	}
	st, err := a.coord.ToggleLike(ctx, pinID)
	if err != nil {
		return err
	}
	verb := "Unliked"
	if st.Liked {
		verb = "Liked"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d likes)\n", verb, pinID, st.LikesCount)
	return nil
}

func runComment(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	rec, err := a.coord.SubmitComment(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Comment %s posted on %s\n", rec.ID, args[0])
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext()
	defer cancel()

	err = a.coord.SubmitReport(ctx, model.Report{
		TargetType: model.ReportTargetType(reportTarget),
		TargetID:   args[0],
		Kind:       model.ReportKind(reportType),
		Reason:     reportReason,
	})
	if err != nil {
		return errors.Join(errors.New("report not sent"), err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Report sent.")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
