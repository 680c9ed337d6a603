package cli

import (
	"github.com/spf13/cobra"

	"github.com/aos-labs/contextd/internal/model"
)

func init() {
	snapshot := &cobra.Command{
		Use:   "snapshot <run-id>",
		Short: "Create a resume pack for a run",
		Args:  cobra.ExactArgs(1),
		Run:   runSnapshot,
	}
	snapshot.Flags().Bool("zip", false, "Produce a zip instead of a directory")
	RootCmd.AddCommand(snapshot)

	load := &cobra.Command{
		Use:   "load <pack-path>",
		Short: "Restore a resume pack into a fresh run",
		Args:  cobra.ExactArgs(1),
		Run:   runLoad,
	}
	load.Flags().String("run-id", "", "New run id (default: minted)")
	RootCmd.AddCommand(load)
}

func runSnapshot(cmd *cobra.Command, args []string) {
	zipPack, _ := cmd.Flags().GetBool("zip")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.ResumeSnapshot(cmd.Context(), args[0], model.ResumeSnapshotRequest{
		ZipPack: zipPack,
	})
	if err != nil {
		exitErr("snapshot", err)
	}
	printJSON(resp)
}

func runLoad(cmd *cobra.Command, args []string) {
	newRunID, _ := cmd.Flags().GetString("run-id")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer svc.Close()

	resp, err := svc.ResumeLoad(cmd.Context(), model.ResumeLoadRequest{
		PackPath: args[0],
		NewRunID: newRunID,
	})
	if err != nil {
		exitErr("load", err)
	}
	printJSON(resp)
}
