package cli

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/pkg/beads"
)

// CreateCmd returns the create command.
func CreateCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	title := fs.StringP("title", "t", "", "Issue title (required)")
	priority := fs.IntP("priority", "p", 2, "Priority 0-4")
	label := fs.StringArray("label", nil, "Add a label (repeatable)")

	return &Command{
		Flags: fs,
		Usage: "create <id> -t <title> [flags]",
		Short: "Create a new issue",
		Exec: func(io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("create: id is required")
			}

			if *title == "" {
				return fmt.Errorf("create: --title is required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			now := time.Now().Unix()

			created, err := e.Insert(&beads.Issue{
				ID:       args[0],
				Title:    *title,
				Priority: *priority,
				Labels:   *label,
			}, now)
			if err != nil {
				return err
			}

			io.Println(created.ID)

			return nil
		},
	}
}
