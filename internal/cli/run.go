package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/pkg/beads"
)

// Run is the CLI entry point. Returns a process exit code.
func Run(_ io.Reader, out, errOut io.Writer, args []string) int {
	globalFlags := flag.NewFlagSet("beads", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagDataDir := globalFlags.String("data-dir", "", "Override the issue data directory")

	err := globalFlags.Parse(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	dataDir := *flagDataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	open := func() (*beads.Engine, error) {
		return beads.Open(dataDir)
	}

	commands := allCommands(open)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(out, commands)

		return 0
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	exitCode := cmd.Run(cmdIO, commandAndArgs[1:])
	if exitCode != 0 {
		return exitCode
	}

	return cmdIO.Finish()
}

func defaultDataDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ".beads"
	}

	return filepath.Join(wd, ".beads")
}

func allCommands(open func() (*beads.Engine, error)) []*Command {
	return []*Command{
		CreateCmd(open),
		ShowCmd(open),
		ListCmd(open),
		ReadyCmd(open),
		BlockedCmd(open),
		CloseCmd(open),
		ReopenCmd(open),
		DeleteCmd(open),
		DepAddCmd(open),
		DepRemoveCmd(open),
		DoctorCmd(open),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  --data-dir <dir>      Override the issue data directory`

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "beads - single-host issue tracker persistence engine")
	fprintln(w)
	fprintln(w, "Usage: beads [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
