package cli

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/internal/issue"
	"github.com/hotschmoe/beads/pkg/beads"
)

// DepAddCmd returns the dep-add command.
func DepAddCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("dep-add", flag.ContinueOnError)
	depType := fs.String("type", string(issue.DepBlocks), "Dependency type")

	return &Command{
		Flags: fs,
		Usage: "dep-add <id> <depends-on-id> [flags]",
		Short: "Add a dependency edge",
		Exec: func(io *IO, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("dep-add: id and depends-on-id are required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			now := time.Now().Unix()

			err = e.AddDependency(beads.Dependency{
				IssueID: args[0], DependsOnID: args[1], DepType: issue.DepType(*depType), CreatedAt: now,
			})
			if err != nil {
				return err
			}

			io.Println("added", args[0], "->", args[1])

			return nil
		},
	}
}

// DepRemoveCmd returns the dep-rm command.
func DepRemoveCmd(open func() (*beads.Engine, error)) *Command {
	return &Command{
		Flags: flag.NewFlagSet("dep-rm", flag.ContinueOnError),
		Usage: "dep-rm <id> <depends-on-id>",
		Short: "Remove a dependency edge",
		Exec: func(io *IO, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("dep-rm: id and depends-on-id are required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			err = e.RemoveDependency(args[0], args[1], time.Now().Unix())
			if err != nil {
				return err
			}

			io.Println("removed", args[0], "->", args[1])

			return nil
		},
	}
}
