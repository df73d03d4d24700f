package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	ouroboros "github.com/i5heu/ouroboros-blocktree"
	"github.com/i5heu/ouroboros-blocktree/internal/encryptedBlockStore"
	"github.com/i5heu/ouroboros-blocktree/pkg/blockstore"
)

const usage = `Usage: ouroboros-cli [-config file] [-data dir] <command> [arguments]
Commands:
  keygen                       print a new encryption key
  import <file>                store a file, prints its root id
  export <root-id> <out-file>  write a stored file to out-file
  info                         show store statistics
  ls                           list stored roots
  rm <root-id>                 remove a stored file
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ouroboros-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "YAML config file")
	dataDir := fs.String("data", "", "data directory, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 1
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	if cmd == "keygen" {
		key, err := encryptedBlockStore.NewKey()
		if err != nil {
			fmt.Fprintf(stderr, "Error generating key: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, key)
		return 0
	}

	want := map[string]int{"import": 1, "export": 2, "info": 0, "ls": 0, "rm": 1}
	n, known := want[cmd]
	if !known {
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fs.Usage()
		return 1
	}
	if len(cmdArgs) != n {
		fmt.Fprintf(stderr, "%s expects %d argument(s)\n", cmd, n)
		fs.Usage()
		return 1
	}

	conf, err := loadConfig(*configPath, *dataDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	db, err := ouroboros.Open(ctx, conf)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer db.Release(ctx)

	switch cmd {
	case "import":
		err = importFile(ctx, db, cmdArgs[0], stdout)
	case "export":
		err = exportFile(ctx, db, cmdArgs[0], cmdArgs[1], stdout)
	case "info":
		err = printInfo(ctx, db, stdout)
	case "ls":
		err = listRoots(ctx, db, stdout)
	case "rm":
		err = removeRoot(ctx, db, cmdArgs[0], stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(configPath, dataDir string) (ouroboros.Config, error) {
	var conf ouroboros.Config
	if configPath != "" {
		var err error
		if conf, err = ouroboros.ReadConfig(configPath); err != nil {
			return conf, err
		}
	}
	if dataDir != "" {
		conf.DataDir = dataDir
	}
	if conf.DataDir == "" && !conf.InMemory {
		dir, err := defaultDataDir()
		if err != nil {
			return conf, err
		}
		conf.DataDir = dir
	}
	return conf, nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ouroboros", "blocktree"), nil
}

func importFile(ctx context.Context, db *ouroboros.Ouroboros, path string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	root, err := db.Import(ctx, f)
	if err != nil {
		return err
	}
	stats, err := db.Stats(ctx, root)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Stored %s in %d nodes. Root: %s\n", humanize.IBytes(stats.NumBytes), stats.NumNodes(), root)
	return nil
}

func exportFile(ctx context.Context, db *ouroboros.Ouroboros, rootStr, outPath string, stdout io.Writer) error {
	root, err := blockstore.ParseBlockID(rootStr)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	n, err := db.Export(ctx, root, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s to %s\n", humanize.IBytes(uint64(n)), outPath)
	return nil
}

func printInfo(ctx context.Context, db *ouroboros.Ouroboros, stdout io.Writer) error {
	info, err := db.Info(ctx)
	if err != nil {
		return err
	}
	location := info.DataDir
	if info.InMemory {
		location = "(in memory)"
	}
	fmt.Fprintln(stdout, "Store Statistics:")
	fmt.Fprintf(stdout, "  Location:             %s\n", location)
	fmt.Fprintf(stdout, "  Nodes:                %s\n", humanize.Comma(int64(info.NumNodes)))
	fmt.Fprintf(stdout, "  Physical block size:  %s\n", humanize.IBytes(uint64(info.PhysicalBlockSize)))
	fmt.Fprintf(stdout, "  Bytes per leaf:       %s\n", humanize.IBytes(uint64(info.VirtualBlockSize)))
	fmt.Fprintf(stdout, "  Children per node:    %d\n", info.MaxChildren)
	fmt.Fprintf(stdout, "  Est. blocks left:     %s\n", humanize.Comma(int64(info.EstimatedBlocksLeft)))
	return nil
}

func listRoots(ctx context.Context, db *ouroboros.Ouroboros, stdout io.Writer) error {
	roots, err := db.Roots(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		stats, err := db.Stats(ctx, root)
		if err != nil {
			fmt.Fprintf(stdout, "%s  (unreadable: %v)\n", root, err)
			continue
		}
		fmt.Fprintf(stdout, "%s  %10s  depth %d\n", root, humanize.IBytes(stats.NumBytes), stats.Depth)
	}
	return nil
}

func removeRoot(ctx context.Context, db *ouroboros.Ouroboros, rootStr string, stdout io.Writer) error {
	root, err := blockstore.ParseBlockID(rootStr)
	if err != nil {
		return err
	}
	if err := db.Remove(ctx, root); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Removed %s\n", root)
	return nil
}
