// rockletctl is a command-line tool for working with a rocklet database.
//
// Usage:
//
//	rockletctl [-db=<path>] [-config=<file>] [-env=<file>] <command> [args...]
//
// Commands:
//
//	put KEY VALUE         Write a key
//	get KEY               Print the value of a key
//	delete KEY            Delete a key
//	scan [FROM [TO]]      Print keys in [FROM, TO)
//	compact [FROM [TO]]   Compact a key range, or everything
//	stats                 Print level statistics
//	check                 Verify the checksums of every live table
//	options               Print the options the database was last opened with
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/aalhour/rocklet"
	"github.com/aalhour/rocklet/internal/logging"
	"github.com/aalhour/rocklet/internal/vfs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		w := fs.Output()
		fmt.Fprintln(w, "rockletctl - rocklet database tool")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Usage: rockletctl [options] <command> [args...]")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Commands:")
		fmt.Fprintln(w, "  put KEY VALUE         Write a key")
		fmt.Fprintln(w, "  get KEY               Print the value of a key")
		fmt.Fprintln(w, "  delete KEY            Delete a key")
		fmt.Fprintln(w, "  scan [FROM [TO]]      Print keys in [FROM, TO)")
		fmt.Fprintln(w, "  compact [FROM [TO]]   Compact a key range, or everything")
		fmt.Fprintln(w, "  stats                 Print level statistics")
		fmt.Fprintln(w, "  check                 Verify every live table")
		fmt.Fprintln(w, "  options               Print the persisted options")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		fs.PrintDefaults()
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rockletctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "Database directory (overrides config and "+envDB+")")
	configPath := fs.String("config", "", "YAML config file")
	envPath := fs.String("env", ".env", "Dotenv file with "+envDB+" style overrides")
	limit := fs.Int("limit", 0, "Limit number of scanned entries (0 = unlimited)")
	sync := fs.Bool("sync", false, "Sync the WAL before acknowledging writes")
	fs.Usage = usage(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(*configPath, *envPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if cfg.DB == "" {
		fmt.Fprintln(stderr, "Error: no database: set -db, the config file or "+envDB)
		return 2
	}

	c := &cli{cfg: cfg, out: stdout, errOut: stderr, limit: *limit, wo: &rocklet.WriteOptions{Sync: *sync}}
	if err := c.dispatch(fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			fs.Usage()
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("bad usage")

type cli struct {
	cfg    *config
	out    io.Writer
	errOut io.Writer
	limit  int
	wo     *rocklet.WriteOptions
}

func (c *cli) dispatch(cmd string, args []string) error {
	switch cmd {
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("%w: put KEY VALUE", errUsage)
		}
		return c.withDB(func(db *rocklet.DB) error {
			return db.Put(c.wo, []byte(args[0]), []byte(args[1]))
		})
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: get KEY", errUsage)
		}
		return c.withDB(func(db *rocklet.DB) error {
			v, err := db.Get(nil, []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, string(v))
			return nil
		})
	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("%w: delete KEY", errUsage)
		}
		return c.withDB(func(db *rocklet.DB) error {
			return db.Delete(c.wo, []byte(args[0]))
		})
	case "scan":
		start, end, err := keyRange("scan", args)
		if err != nil {
			return err
		}
		return c.withDB(func(db *rocklet.DB) error { return c.scan(db, start, end) })
	case "compact":
		start, end, err := keyRange("compact", args)
		if err != nil {
			return err
		}
		return c.withDB(func(db *rocklet.DB) error { return db.CompactRange(start, end) })
	case "stats":
		return c.withDB(func(db *rocklet.DB) error {
			stats, _ := db.GetProperty(rocklet.PropertyStats)
			fmt.Fprint(c.out, stats)
			size, _ := db.GetProperty(rocklet.PropertyTotalTableSize)
			fmt.Fprintf(c.out, "total table bytes: %s\n", size)
			return nil
		})
	case "check":
		return c.withDB(func(db *rocklet.DB) error {
			if err := db.VerifyChecksums(); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "OK")
			return nil
		})
	case "options":
		return c.printOptions()
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func keyRange(cmd string, args []string) (start, end []byte, err error) {
	switch len(args) {
	case 2:
		end = []byte(args[1])
		fallthrough
	case 1:
		start = []byte(args[0])
	case 0:
	default:
		return nil, nil, fmt.Errorf("%w: %s [FROM [TO]]", errUsage, cmd)
	}
	return start, end, nil
}

func (c *cli) withDB(fn func(db *rocklet.DB) error) error {
	opts := c.cfg.Options
	opts.Logger = logging.NewLogger(c.errOut, c.cfg.LogLevel)
	return rocklet.WithDB(c.cfg.DB, &opts, fn)
}

func (c *cli) scan(db *rocklet.DB, start, end []byte) error {
	it := db.NewIterator(nil, start, end)
	defer it.Close()
	n := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		fmt.Fprintf(c.out, "%s => %s\n", it.Key(), it.Value())
		n++
		if c.limit > 0 && n >= c.limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Fprintln(c.errOut, strconv.Itoa(n)+" entries")
	return nil
}

func (c *cli) printOptions() error {
	fsys := vfs.Default()
	path, err := rocklet.LatestOptionsFile(fsys, c.cfg.DB)
	if err != nil {
		return err
	}
	opts, err := rocklet.LoadOptionsFile(fsys, path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# %s\n%s", path, data)
	return nil
}
