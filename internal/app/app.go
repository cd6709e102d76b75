package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "embed":
		return runEmbed(args[1:])
	case "library":
		return runLibrary(args[1:])
	case "gate":
		return runGate(args[1:])
	case "keywords":
		return runKeywords(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "run":
		return runAll(args[1:])
	case "label":
		return runLabel(args[1:])
	case "efkey":
		return runEFKey(args[1:])
	case "clusters":
		return runClusters(args[1:])
	case "vocab":
		return runVocab(args[1:])
	case "stats":
		return runStats(args[1:])
	case "validate-refdata":
		return runValidateRefdata(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "eventfamily CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  eventfamily <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health            Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  embed             Generate title embeddings for gate-passed records")
	fmt.Fprintln(os.Stderr, "  library           Rebuild the shared vocabulary and hub set")
	fmt.Fprintln(os.Stderr, "  gate              Apply STOP/GO vocabularies to window records")
	fmt.Fprintln(os.Stderr, "  keywords          Assign core keywords to gate-passed records")
	fmt.Fprintln(os.Stderr, "  cluster           Run cluster stages (--stage seed|densify|persist|orphan_attach|all)")
	fmt.Fprintln(os.Stderr, "  run               Run library, gate, keywords, embed and every cluster stage")
	fmt.Fprintln(os.Stderr, "  label             Attach an event family to a cluster")
	fmt.Fprintln(os.Stderr, "  efkey             Print the EF key for a theater and event type")
	fmt.Fprintln(os.Stderr, "  clusters          List clusters or show one cluster")
	fmt.Fprintln(os.Stderr, "  vocab             List the shared vocabulary")
	fmt.Fprintln(os.Stderr, "  stats             Show pipeline counters and latest stage runs")
	fmt.Fprintln(os.Stderr, "  validate-refdata  Validate rule and gate files, optionally syncing rules")
	fmt.Fprintln(os.Stderr, "  serve             Start Echo API server")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"eventfamily <command> -h\" for command-specific flags.")
}
