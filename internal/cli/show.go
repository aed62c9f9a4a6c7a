package cli

import (
	"fmt"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hotschmoe/beads/pkg/beads"
)

// ShowCmd returns the show command.
func ShowCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	format := fs.String("format", "text", "Output format: text, json, or yaml")

	return &Command{
		Flags: fs,
		Usage: "show <id> [flags]",
		Short: "Show issue details",
		Exec: func(io *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("show: id is required")
			}

			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			is, err := e.GetWithRelations(args[0])
			if err != nil {
				return err
			}

			switch *format {
			case "json":
				return printJSON(io, is)
			case "yaml":
				return printYAML(io, is)
			default:
				printText(io, is)

				return nil
			}
		},
	}
}

func printText(io *IO, is *beads.Issue) {
	io.Printf("%s  %s\n", is.ID, is.Title)
	io.Printf("  status:   %s\n", is.Status)
	io.Printf("  priority: %d\n", is.Priority)
	io.Printf("  version:  %d\n", is.Version)

	for _, l := range is.Labels {
		io.Printf("  label:    %s\n", l)
	}

	for _, d := range is.Dependencies {
		io.Printf("  dep:      %s -> %s (%s)\n", d.IssueID, d.DependsOnID, d.DepType)
	}
}

func printJSON(io *IO, is *beads.Issue) error {
	data, err := marshalIndent(is)
	if err != nil {
		return fmt.Errorf("show: encode json: %w", err)
	}

	io.Printf("%s\n", data)

	return nil
}

func printYAML(io *IO, is *beads.Issue) error {
	data, err := yaml.Marshal(is)
	if err != nil {
		return fmt.Errorf("show: encode yaml: %w", err)
	}

	io.Printf("%s", data)

	return nil
}
