package cli

import (
	"fmt"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/hotschmoe/beads/pkg/beads"
)

// DoctorCmd returns the doctor command: reports filesystem safety and
// cycles in the dependency graph, and — with --repair — forces a compaction
// after an interactive confirmation, since compaction rewrites the
// canonical snapshot and deletes the prior WAL generation.
func DoctorCmd(open func() (*beads.Engine, error)) *Command {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	repair := fs.Bool("repair", false, "Force a compaction to repair the on-disk state")

	return &Command{
		Flags: fs,
		Usage: "doctor [flags]",
		Short: "Diagnose and optionally repair on-disk state",
		Exec: func(io *IO, _ []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			return execDoctor(io, e, *repair)
		},
	}
}

func execDoctor(io *IO, e *beads.Engine, repair bool) error {
	safety := e.FilesystemSafety()
	if !safety.Safe {
		io.Warn(fmt.Sprintf("data directory is on an unsafe filesystem: %s", safety.Warning))
	}

	cycles := e.DetectCycles()
	for _, c := range cycles {
		io.Warn(fmt.Sprintf("dependency cycle: %s", strings.Join(c.Path, " -> ")))
	}

	io.Println("filesystem safe:", safety.Safe)
	io.Println("cycles found:", len(cycles))

	if !repair {
		return nil
	}

	confirmed, err := confirmRepair()
	if err != nil {
		return fmt.Errorf("doctor: confirm repair: %w", err)
	}

	if !confirmed {
		io.Println("repair aborted")

		return nil
	}

	res, err := e.ForceCompact()
	if err != nil {
		return fmt.Errorf("doctor: repair: %w", err)
	}

	io.Println("compacted", res.IssueCount, "issues into generation", res.NewGeneration)

	return nil
}

// confirmRepair prompts the operator on the terminal before a destructive
// repair step, the one place in this CLI a human may be at the keyboard.
func confirmRepair() (bool, error) {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	answer, err := line.Prompt("This will rewrite the snapshot and discard old WAL generations. Continue? (yes/no): ")
	if err != nil {
		if err == liner.ErrPromptAborted {
			return false, nil
		}

		return false, err
	}

	answer = strings.ToLower(strings.TrimSpace(answer))

	return answer == "yes" || answer == "y", nil
}
