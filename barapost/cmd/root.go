package cmd

import (
	"flag"
	"fmt"
	"os"
)

func Execute(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "probe":
		runProbe(args[1:])
	case "local":
		runLocal(args[1:])
	case "taxonomy":
		runTaxonomy(args[1:])
	case "bin":
		runBin(args[1:])
	case "export":
		runExport(args[1:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "barapost - taxonomic classification and binning of sequencing reads")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  barapost <command> [options] [files...]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  probe      Classify reads with NCBI BLAST (resumable, packet by packet)")
	fmt.Fprintln(os.Stderr, "  local      Classify reads with a local BLAST+ database")
	fmt.Fprintln(os.Stderr, "  taxonomy   Build the lineage table for the accessions hit")
	fmt.Fprintln(os.Stderr, "  bin        Split read files by taxonomic label")
	fmt.Fprintln(os.Stderr, "  export     Write all classification tables to one Parquet file")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'barapost <command> -h' for command-specific options.")
}

// usagef reports a command line mistake and exits with status 2.
func usagef(fs *flag.FlagSet, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", fs.Name(), fmt.Sprintf(format, args...))
	fs.Usage()
	os.Exit(2)
}
