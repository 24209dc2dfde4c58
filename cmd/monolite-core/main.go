// Command monolite-core is a bare-metal inspection and maintenance tool
// for a single storage-core data file: it opens the file directly (no
// document model, no wire protocol) and exposes the B+ tree primary index
// through put/get/range/delete/checkpoint/verify/stats subcommands.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/monolite-db/storage-core/storage"
)

var (
	dbPath  string
	verbose bool
	logger  zerolog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "monolite-core",
		Short: "Inspect and maintain a storage-core data file",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "monolite.db", "path to the data file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable structured diagnostics on stderr")

	root.AddCommand(newPutCmd(), newGetCmd(), newRangeCmd(), newDeleteCmd(),
		newCheckpointCmd(), newVerifyCmd(), newStatsCmd())
	return root
}

func openPager() (*storage.Pager, error) {
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !verbose {
		logger = logger.Level(zerolog.Disabled)
	}
	opts := storage.DefaultOptions()
	opts.Logger = logger
	return storage.Open(dbPath, opts)
}

// openPrimaryIndex opens the pager and the B+ tree rooted at the catalog
// page, creating both if the file is new.
func openPrimaryIndex() (*storage.Pager, *storage.BTree, error) {
	pager, err := openPager()
	if err != nil {
		return nil, nil, err
	}
	rootID := pager.GetCatalogPageId()
	if rootID == storage.InvalidPageID {
		tree, err := storage.Create(pager)
		if err != nil {
			pager.Close()
			return nil, nil, err
		}
		if err := pager.SetCatalogPageId(tree.RootPageID()); err != nil {
			pager.Close()
			return nil, nil, err
		}
		return pager, tree, nil
	}
	tree, err := storage.Open(pager, rootID)
	if err != nil {
		pager.Close()
		return nil, nil, err
	}
	return pager, tree, nil
}

func closeWithCheckpoint(pager *storage.Pager) error {
	if err := pager.Checkpoint(); err != nil {
		pager.Close()
		return err
	}
	return pager.Close()
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Insert or overwrite a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			if err := tree.Insert([]byte(args[0]), []byte(args[1])); err != nil {
				pager.Close()
				return err
			}
			return closeWithCheckpoint(pager)
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Look up a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			defer pager.Close()

			value, err := tree.Search([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func newRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range START END",
		Short: "List every key in [START, END)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			defer pager.Close()

			result, err := tree.SearchRange([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			for _, kv := range result {
				fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			found, err := tree.Delete([]byte(args[0]))
			if err != nil {
				pager.Close()
				return err
			}
			if !found {
				pager.Close()
				return fmt.Errorf("key not found: %s", args[0])
			}
			return closeWithCheckpoint(pager)
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Flush dirty pages and truncate the WAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, err := openPager()
			if err != nil {
				return err
			}
			return closeWithCheckpoint(pager)
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the primary index checking structural invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			defer pager.Close()

			problems := tree.Verify()
			if len(problems) == 0 {
				fmt.Println("OK")
				return nil
			}
			for _, p := range problems {
				fmt.Fprintln(os.Stderr, p)
			}
			return fmt.Errorf("found %d invariant violation(s)", len(problems))
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pager and index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pager, tree, err := openPrimaryIndex()
			if err != nil {
				return err
			}
			defer pager.Close()

			stats := pager.Stats()
			count, err := tree.Count()
			if err != nil {
				return err
			}
			height, err := tree.Height()
			if err != nil {
				return err
			}

			fmt.Printf("keys:           %d\n", count)
			fmt.Printf("tree height:    %d\n", height)
			fmt.Printf("pages:          %d\n", stats.PageCount)
			fmt.Printf("free pages:     %d\n", stats.FreePages)
			fmt.Printf("cached pages:   %d\n", stats.CachedPages)
			fmt.Printf("page reads:     %d\n", stats.PageReads)
			fmt.Printf("page writes:    %d\n", stats.PageWrites)
			fmt.Printf("cache hits:     %d\n", stats.CacheHits)
			fmt.Printf("current LSN:    %d\n", stats.CurrentLSN)
			fmt.Printf("checkpoint LSN: %d\n", stats.CheckpointLSN)
			fmt.Printf("catalog root:   %s\n", hex.EncodeToString(uint32ToBytes(pager.GetCatalogPageId())))
			return nil
		},
	}
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
