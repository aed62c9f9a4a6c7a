package cli

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/pkg/beads"
)

// CloseCmd returns the close command.
func CloseCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	reason := fs.String("reason", "", "Close reason")

	return &Command{
		Flags: fs,
		Usage: "close <id> [flags]",
		Short: "Close an issue",
		Exec: func(io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("close: id is required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			err = e.CloseIssue(args[0], *reason, time.Now().Unix())
			if err != nil {
				return err
			}

			io.Println("closed", args[0])

			return nil
		},
	}
}

// ReopenCmd returns the reopen command.
func ReopenCmd(open func() (*beads.Engine, error)) *Command {
	return &Command{
		Flags: flag.NewFlagSet("reopen", flag.ContinueOnError),
		Usage: "reopen <id>",
		Short: "Reopen a closed issue",
		Exec: func(io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("reopen: id is required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			err = e.Reopen(args[0], time.Now().Unix())
			if err != nil {
				return err
			}

			io.Println("reopened", args[0])

			return nil
		},
	}
}

// DeleteCmd returns the delete command.
func DeleteCmd(open func() (*beads.Engine, error)) *Command {
	return &Command{
		Flags: flag.NewFlagSet("delete", flag.ContinueOnError),
		Usage: "delete <id>",
		Short: "Tombstone an issue",
		Exec: func(io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("delete: id is required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			err = e.Delete(args[0], time.Now().Unix())
			if err != nil {
				return err
			}

			io.Println("deleted", args[0])

			return nil
		},
	}
}
