package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/okarlsson/shipit/orchestrator"
)

var commands = []string{"deploy", "status", "stop", "start", "history"}

// suggestCommand returns the closest known command if the typo is close
// enough to be an obvious slip, or an empty string.
func suggestCommand(input string) string {
	best := ""
	bestDistance := 3

	for _, command := range commands {
		distance := levenshtein.ComputeDistance(input, command)
		if distance < bestDistance {
			best = command
			bestDistance = distance
		}
	}

	return best
}

func renderHistory(runs []orchestrator.Run) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 3, ' ', 0)

	fmt.Fprintln(w, "STARTED\tCONTAINER\tIMAGE\tRESULT")
	for _, run := range runs {
		result := run.State
		if run.Error != "" {
			result = fmt.Sprintf("%s (%s)", run.State, run.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			run.StartedAt.Local().Format(time.DateTime), run.ContainerName, run.Image, result)
	}
	w.Flush()

	return strings.TrimSuffix(b.String(), "\n")
}
