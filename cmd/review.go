package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spigell/mentor-matcher/internal/merge"
	"github.com/spigell/mentor-matcher/internal/record"
	"github.com/spigell/mentor-matcher/internal/store"
)

const (
	PromptShow    = "Show record"
	PromptAddNote = "Add review note"
	PromptBack    = "back"
	PromptExit    = "exit"
)

var errExit = errors.New("exit requested")

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Browse stored match records and append review notes",
	Run: func(cmd *cobra.Command, _ []string) {
		review(cmd)
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)

	reviewCmd.Flags().String("status", "", "only show records with this status (pending, enhanced, enhancement-failed)")
	reviewCmd.Flags().IntP("limit", "l", 20, "number of latest records to choose from")
	reviewCmd.Flags().String("author", "", "author recorded with review notes")
}

func review(cmd *cobra.Command) {
	log, config := setup()

	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	author, _ := cmd.Flags().GetString("author")

	err := runReview(context.Background(), log, config.Store.Path, store.Filter{Status: merge.Status(status), Limit: limit}, author)
	if err != nil && !errors.Is(err, errExit) {
		log.Fatal("exiting", zap.Error(err))
	}
}

func runReview(ctx context.Context, log *zap.Logger, path string, filter store.Filter, author string) error {
	s, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("opening the store: %w", err)
	}
	defer s.Close()

	for {
		recs, err := s.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("listing records: %w", err)
		}
		if len(recs) == 0 {
			log.Info("exiting", zap.String("reason", "no records found"))
			return nil
		}

		if err := reviewOne(ctx, s, log, recs, author); err != nil {
			return err
		}
	}
}

func reviewOne(ctx context.Context, s *store.Store, log *zap.Logger, recs []record.MatchRecord, author string) error {
	items := make([]string, 0, len(recs)+1)
	for _, rec := range recs {
		items = append(items, recordLabel(rec))
	}

	recordPrompt := promptui.Select{
		Label: "Choose a record and press ENTER",
		Items: append(items, PromptExit),
		Size:  10,
	}

	idx, selected, err := recordPrompt.Run()
	if err != nil {
		return err
	}
	if selected == PromptExit {
		return errExit
	}
	id := recs[idx].ID

	for {
		actionPrompt := promptui.Select{
			Label: fmt.Sprintf("Record %s", id),
			Items: []string{PromptShow, PromptAddNote, PromptBack},
		}

		_, action, err := actionPrompt.Run()
		if err != nil {
			return err
		}

		switch action {
		case PromptBack:
			return nil
		case PromptShow:
			rec, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			printJSON(rec)
		case PromptAddNote:
			text, err := (&promptui.Prompt{
				Label: "Note",
				Validate: func(in string) error {
					if strings.TrimSpace(in) == "" {
						return record.ErrEmptyNote
					}
					return nil
				},
			}).Run()
			if err != nil {
				return err
			}

			rec, err := s.AppendNote(ctx, id, record.Note{Author: author, Text: text})
			if err != nil {
				return err
			}
			log.Info("review note added", zap.String("record", id), zap.Int("notes", len(rec.Notes)))
		default:
			return fmt.Errorf("invalid action: %s", action)
		}
	}
}

func recordLabel(rec record.MatchRecord) string {
	final := "n/a"
	if rec.Final != nil {
		final = fmt.Sprintf("%.2f", *rec.Final)
	}
	return fmt.Sprintf("%s %s -> %s / %s / final %s / %s",
		rec.ID, rec.Applicant, rec.Mentor, rec.Status, final, rec.CreatedAt.Format("2006-01-02 15:04"),
	)
}
