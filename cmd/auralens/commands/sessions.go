package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auralens/auralens/pkg/archive"
	"github.com/auralens/auralens/pkg/kv"
)

var sessionsArchiveURL string

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "Inspect archived sessions",
	Long: `Without arguments, lists every archived session. With a session ID,
prints its transcript and metrics.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := kv.Open(sessionsArchiveURL)
		if err != nil {
			return err
		}
		defer store.Close()
		arch := archive.New(store)

		if len(args) == 1 {
			return showSession(cmd, arch, args[0])
		}
		return listSessions(cmd, arch)
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsArchiveURL, "archive", "memory://", "archive store URL")
	rootCmd.AddCommand(sessionsCmd)
}

func listSessions(cmd *cobra.Command, arch *archive.Archive) error {
	n := 0
	for rec, err := range arch.List(cmd.Context()) {
		if err != nil {
			return err
		}
		fmt.Printf("%s  mode=%s  ended=%s  responses=%d  silences=%d\n",
			rec.SessionID, rec.Mode, rec.EndedAt.Format("2006-01-02 15:04:05"),
			rec.Responses, rec.Silences)
		n++
	}
	if n == 0 {
		fmt.Println("no archived sessions")
	}
	return nil
}

func showSession(cmd *cobra.Command, arch *archive.Archive, id string) error {
	rec, err := arch.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("session %s (mode %s)\n", rec.SessionID, rec.Mode)
	if !rec.StartedAt.IsZero() {
		fmt.Printf("  started: %s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  ended:   %s\n", rec.EndedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  responses=%d silences=%d\n", rec.Responses, rec.Silences)
	for reason, count := range rec.Rejections {
		fmt.Printf("  rejected %s: %d\n", reason, count)
	}
	if len(rec.Transcript) > 0 {
		fmt.Println("transcript:")
		for _, u := range rec.Transcript {
			fmt.Printf("  [%s] %s\n", u.At.Format("15:04:05"), u.Text)
		}
	}
	return nil
}
