package cli

import (
	"github.com/spf13/cobra"

	"github.com/aos-labs/contextd/internal/model"
)

func init() {
	seal := &cobra.Command{
		Use:   "seal <run-id> <reason>",
		Short: "Seal a milestone episode",
		Args:  cobra.ExactArgs(2),
		Run:   runSeal,
	}
	seal.Flags().String("batch", "", "Memory batch id to commit during the seal")
	seal.Flags().String("next", "", "Next entry point recorded in the episode")
	RootCmd.AddCommand(seal)

	search := &cobra.Command{
		Use:   "search <run-id> [query]",
		Short: "Search committed long-term memory",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	search.Flags().String("scope", "", "Scope filter: global, run, task, or thread")
	search.Flags().String("type", "", "Type filter: fact, preference, skill, or other")
	search.Flags().IntP("limit", "l", 8, "Max results")
	RootCmd.AddCommand(search)

	retract := &cobra.Command{
		Use:   "retract <run-id> <memory-id>",
		Short: "Retract a committed memory item",
		Long:  "Retraction is milestone-gated like any other status transition: seal first, then pass the returned token.",
		Args:  cobra.ExactArgs(2),
		Run:   runRetract,
	}
	retract.Flags().String("token", "", "Milestone token from a prior seal")
	retract.Flags().String("reason", "", "Reason recorded on the item")
	RootCmd.AddCommand(retract)
}

func runRetract(cmd *cobra.Command, args []string) {
	token, _ := cmd.Flags().GetString("token")
	reason, _ := cmd.Flags().GetString("reason")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	if err := svc.RetractMemory(cmd.Context(), args[0], args[1], reason, token); err != nil {
		exitErr("retract", err)
	}
}

func runSeal(cmd *cobra.Command, args []string) {
	batch, _ := cmd.Flags().GetString("batch")
	next, _ := cmd.Flags().GetString("next")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.Milestone(cmd.Context(), args[0], model.MilestoneRequest{
		Reason:         args[1],
		MemoryBatchID:  batch,
		NextEntryPoint: next,
	})
	if err != nil {
		exitErr("seal", err)
	}
	printJSON(resp)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	q := model.SearchQuery{TopK: limit}
	if len(args) > 1 {
		q.Text = args[1]
	}
	if v, _ := cmd.Flags().GetString("scope"); v != "" {
		scope := model.MemoryScope(v)
		q.Scope = &scope
	}
	if v, _ := cmd.Flags().GetString("type"); v != "" {
		typ := model.MemoryType(v)
		q.Type = &typ
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.SearchMemory(cmd.Context(), args[0], q)
	if err != nil {
		exitErr("search", err)
	}
	printJSON(resp.Results)
}
