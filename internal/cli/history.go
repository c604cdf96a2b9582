package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stampede-load/stampede/internal/history"
)

func (a *app) newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}
	cmd.PersistentFlags().String("history-db", "", "history database path (default ~/.stampede/history.db)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *history.Store) error {
				runs, err := s.List(a.v.GetInt("limit"))
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(a.stdout, "no runs recorded")
					return nil
				}
				w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTARTED\tNAME\tSTATUS\tDURATION\tREQUESTS\tERRORS\tP95")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f\t%.2f%%\t%.1fms\n",
						r.ID, r.StartTime.Local().Format(time.DateTime), r.Name, r.Status,
						r.Duration.Round(time.Second), r.Requests, r.ErrorRate*100, r.P95Ms)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().Int("limit", 20, "maximum runs to list, 0 for all")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a run's JSON summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *history.Store) error {
				r, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if r.Summary == nil {
					return fmt.Errorf("run %s has no summary", r.ID)
				}
				return r.Summary.WriteJSON(a.stdout)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *history.Store) error {
				if err := s.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func (a *app) withStore(fn func(*history.Store) error) error {
	path := a.v.GetString("history-db")
	if path == "" {
		var err error
		if path, err = history.DefaultPath(); err != nil {
			return err
		}
	}
	s, err := history.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := fn(s); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return exitWith(ExitError, err)
		}
		return err
	}
	return nil
}
