package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aos-labs/contextd/internal/model"
)

func init() {
	boot := &cobra.Command{
		Use:   "boot [objective]",
		Short: "Create a new run",
		Args:  cobra.MinimumNArgs(1),
		Run:   runBoot,
	}
	boot.Flags().String("run-id", "", "Explicit run id (default: minted)")
	boot.Flags().String("task-id", "", "Task id")
	boot.Flags().String("thread-id", "", "Thread id")
	boot.Flags().StringArray("criterion", nil, "Acceptance criterion (repeatable)")
	boot.Flags().StringArray("constraint", nil, "Constraint (repeatable)")
	RootCmd.AddCommand(boot)

	ws := &cobra.Command{
		Use:   "ws <run-id>",
		Short: "Print the current working set",
		Args:  cobra.ExactArgs(1),
		Run:   runWS,
	}
	RootCmd.AddCommand(ws)

	patch := &cobra.Command{
		Use:   "patch <run-id> <patch-json>",
		Short: "Apply a working-set patch",
		Long:  "Apply a JSON patch document with expected_seq and directives, e.g. '{\"_schema_version\":\"2.1\",\"expected_seq\":0,\"status\":\"BUSY\"}'.",
		Args:  cobra.ExactArgs(2),
		Run:   runPatch,
	}
	RootCmd.AddCommand(patch)

	brief := &cobra.Command{
		Use:   "brief <run-id>",
		Short: "Render the context brief",
		Args:  cobra.ExactArgs(1),
		Run:   runBrief,
	}
	RootCmd.AddCommand(brief)
}

func runBoot(cmd *cobra.Command, args []string) {
	runID, _ := cmd.Flags().GetString("run-id")
	taskID, _ := cmd.Flags().GetString("task-id")
	threadID, _ := cmd.Flags().GetString("thread-id")
	criteria, _ := cmd.Flags().GetStringArray("criterion")
	constraints, _ := cmd.Flags().GetStringArray("constraint")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.Boot(cmd.Context(), model.BootRequest{
		Objective:          strings.Join(args, " "),
		AcceptanceCriteria: criteria,
		Constraints:        constraints,
		TaskID:             taskID,
		ThreadID:           threadID,
		RunID:              runID,
	})
	if err != nil {
		exitErr("boot", err)
	}
	printJSON(resp)
}

func runWS(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	ws, err := svc.GetWS(cmd.Context(), args[0])
	if err != nil {
		exitErr("get ws", err)
	}
	printJSON(ws)
}

func runPatch(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.ApplyPatch(cmd.Context(), args[0], []byte(args[1]))
	if err != nil {
		exitErr("apply patch", err)
	}
	printJSON(resp.WS)
}

func runBrief(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	out, err := svc.ContextBrief(cmd.Context(), args[0])
	if err != nil {
		exitErr("render brief", err)
	}
	fmt.Print(out)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
