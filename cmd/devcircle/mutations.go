package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/devcircle/internal/client"
	"github.com/spf13/cobra"
)

// contentServiceHelp warns that devcircle-api serves chat only.
const contentServiceHelp = `These commands replay against the content service at /api/journal,
/api/tutorials and /api/reports on --server-url. devcircle-api serves rooms and
messages only; pointed at it, these requests are answered 404, which is final,
and the queued item is marked failed on its first attempt.`

func newJournalCommand() *cobra.Command {
	journal := &cobra.Command{Use: "journal", Short: "Private journal entries", Long: "Private journal entries.\n\n" + contentServiceHelp}

	var mood, text string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a journal entry, queued when offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			localID, err := rt.session.CreateJournalEntry(cmd.Context(), client.JournalEntry{Mood: mood, Text: text})
			if err != nil {
				return err
			}
			fmt.Printf("journal entry #%d saved (%s)\n", localID, connectivityLabel(rt.session))
			return nil
		},
	}
	add.Flags().StringVar(&mood, "mood", "", "Mood label")
	add.Flags().StringVar(&text, "text", "", "Entry text")
	_ = add.MarkFlagRequired("text")

	journal.AddCommand(add)
	return journal
}

func newTutorialCommand() *cobra.Command {
	tutorial := &cobra.Command{Use: "tutorial", Short: "Tutorials", Long: "Tutorials.\n\n" + contentServiceHelp}

	var title, category, content string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a tutorial, queued when offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			localID, err := rt.session.CreateTutorial(cmd.Context(), client.Tutorial{Title: title, Category: category, Content: content})
			if err != nil {
				return err
			}
			fmt.Printf("tutorial #%d saved (%s)\n", localID, connectivityLabel(rt.session))
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "Tutorial title")
	create.Flags().StringVar(&category, "category", "", "Tutorial category")
	create.Flags().StringVar(&content, "content", "", "Tutorial body")
	_ = create.MarkFlagRequired("title")

	var rating int
	rate := &cobra.Command{
		Use:   "rate TUTORIAL_ID",
		Short: "Rate a tutorial, queued when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.session.RateTutorial(cmd.Context(), args[0], rating); err != nil {
				return err
			}
			fmt.Printf("rating saved (%s)\n", connectivityLabel(rt.session))
			return nil
		},
	}
	rate.Flags().IntVar(&rating, "rating", 5, "Rating from 1 to 5")

	tutorial.AddCommand(create, rate)
	return tutorial
}

func newReportCommand() *cobra.Command {
	var report client.Report
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report content for moderation (requires connectivity)",
		Long:  "Report content for moderation (requires connectivity).\n\n" + contentServiceHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.session.ReportContent(cmd.Context(), report); err != nil {
				return err
			}
			fmt.Println("report submitted")
			return nil
		},
	}
	cmd.Flags().StringVar(&report.TargetType, "type", "", "Reported content type")
	cmd.Flags().StringVar(&report.TargetID, "id", "", "Reported content id")
	cmd.Flags().StringVar(&report.Reason, "reason", "", "Reason for the report")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func connectivityLabel(session *client.Session) string {
	if session.Connectivity().IsOnline() {
		return "online"
	}
	return "offline, queued"
}
