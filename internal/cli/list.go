package cli

import (
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/pkg/beads"
)

// ListCmd returns the list command.
func ListCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "Filter by status")
	label := fs.String("label", "", "Filter by label")

	return &Command{
		Flags: fs,
		Usage: "list [flags]",
		Short: "List issues",
		Exec: func(io *IO, _ []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			f := beads.Filters{
				Status: issue.Status(*status),
				Label:  *label,
				Now:    time.Now().Unix(),
				SortBy: "created_at",
			}

			for _, is := range e.List(f) {
				io.Printf("%s  [%s]  p%d  %s\n", is.ID, is.Status, is.Priority, is.Title)
			}

			return nil
		},
	}
}

// ReadyCmd returns the ready command: issues with no open blockers.
func ReadyCmd(open func() (*beads.Engine, error)) *Command {
	return &Command{
		Flags: flag.NewFlagSet("ready", flag.ContinueOnError),
		Usage: "ready",
		Short: "List issues ready to work on",
		Exec: func(io *IO, _ []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			for _, is := range e.GetReady(time.Now().Unix()) {
				io.Printf("%s  p%d  %s\n", is.ID, is.Priority, is.Title)
			}

			return nil
		},
	}
}

// BlockedCmd returns the blocked command: issues with an open blocker.
func BlockedCmd(open func() (*beads.Engine, error)) *Command {
	return &Command{
		Flags: flag.NewFlagSet("blocked", flag.ContinueOnError),
		Usage: "blocked",
		Short: "List issues blocked by an open dependency",
		Exec: func(io *IO, _ []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			for _, is := range e.GetBlocked(time.Now().Unix()) {
				io.Printf("%s  p%d  %s\n", is.ID, is.Priority, is.Title)
			}

			return nil
		},
	}
}
